// Package signaling relays WebRTC session descriptions between mesh peers.
//
// Hosts announce themselves with register, clients discover them with list,
// and the two sides swap an offer and an answer through the service. The
// service never parses SDP; descriptions are forwarded as opaque JSON.
package signaling
