package main

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// relayCall forwards call-signaling events point to point. The engine never
// inspects the negotiation payload; it only stamps the originator so the
// peer knows who is talking. An offline target drops the frame silently.
func (s *Server) relayCall(c *client, event string, p callPayload) {
	targetID, err := bson.ObjectIDFromHex(p.TargetUserID)
	if err != nil {
		c.Enqueue(errorEvent("invalid target user id"))
		return
	}
	if targetID == c.user.ID {
		c.Enqueue(errorEvent("cannot signal yourself"))
		return
	}

	var frame []byte
	switch event {
	case evtCallUser:
		frame = marshalEvent(evtIncomingCall, incomingCallPayload{
			From: c.user.ID.Hex(),
			FromUser: userRef{
				ID:     c.user.ID.Hex(),
				Name:   c.user.Name,
				Avatar: c.user.Avatar,
			},
			Payload: p.Payload,
		})
	case evtAnswerCall:
		frame = marshalEvent(evtCallAnswered, callEventPayload{From: c.user.ID.Hex(), Payload: p.Payload})
	case evtRejectCall:
		frame = marshalEvent(evtCallRejected, callEventPayload{From: c.user.ID.Hex(), Payload: p.Payload})
	case evtEndCall:
		frame = marshalEvent(evtCallEnded, callEventPayload{From: c.user.ID.Hex(), Payload: p.Payload})
	case evtICECandidate:
		frame = marshalEvent(evtICECandidate, callEventPayload{From: c.user.ID.Hex(), Payload: p.Payload})
	default:
		return
	}

	s.hub.Route(targetID, frame)
}
