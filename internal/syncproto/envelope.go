package syncproto

import (
	"encoding/json"
	"fmt"
)

// Envelope is the outer shape of every wire message: a tag identifying
// the payload type, plus the payload itself still encoded as raw JSON
// so Frame/ReadFrame never need to know about individual message types.
type Envelope struct {
	Tag     Tag             `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// newEnvelope marshals payload and tags the result.
func newEnvelope(tag Tag, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("syncproto: marshal %s payload: %w", tag, err)
	}
	return Envelope{Tag: tag, Payload: raw}, nil
}

func (e Envelope) decodeHello() (Hello, error) {
	var v Hello
	return v, e.decode(TagHello, &v)
}

func (e Envelope) decodeHelloAck() (HelloAck, error) {
	var v HelloAck
	return v, e.decode(TagHelloAck, &v)
}

func (e Envelope) decodeRequestOps() (RequestOps, error) {
	var v RequestOps
	return v, e.decode(TagRequestOps, &v)
}

func (e Envelope) decodeSendOps() (SendOps, error) {
	var v SendOps
	return v, e.decode(TagSendOps, &v)
}

func (e Envelope) decodeAck() (Ack, error) {
	var v Ack
	return v, e.decode(TagAck, &v)
}

func (e Envelope) decodePing() (Ping, error) {
	var v Ping
	return v, e.decode(TagPing, &v)
}

func (e Envelope) decodePong() (Pong, error) {
	var v Pong
	return v, e.decode(TagPong, &v)
}

func (e Envelope) decodeError() (ErrorMessage, error) {
	var v ErrorMessage
	return v, e.decode(TagError, &v)
}

func (e Envelope) decode(expected Tag, out any) error {
	if e.Tag != expected {
		return fmt.Errorf("syncproto: expected tag %s, got %s", expected, e.Tag)
	}
	return json.Unmarshal(e.Payload, out)
}
