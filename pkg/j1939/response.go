// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

// Response is the answer to a request: exactly one of a decoded message or
// an acknowledgment.
type Response struct {
	message Message
	ack     *Acknowledgment
}

func newResponse(m Message, a *Acknowledgment) Response {
	if (m == nil) == (a == nil) {
		panic("j1939: response must carry exactly one of message or acknowledgment")
	}
	return Response{message: m, ack: a}
}

// MessageResponse wraps a decoded message. It panics on a nil message.
func MessageResponse(m Message) Response {
	return newResponse(m, nil)
}

// AckResponse wraps an acknowledgment
func AckResponse(a Acknowledgment) Response {
	return newResponse(nil, &a)
}

// Message returns the decoded message, if this is not an acknowledgment
func (r Response) Message() (Message, bool) {
	return r.message, r.message != nil
}

// Ack returns the acknowledgment, if this is one
func (r Response) Ack() (Acknowledgment, bool) {
	if r.ack == nil {
		return Acknowledgment{}, false
	}
	return *r.ack, true
}

// IsAck reports whether the response is an acknowledgment
func (r Response) IsAck() bool {
	return r.ack != nil
}

// Packet returns the frame the response was decoded from
func (r Response) Packet() Packet {
	if r.ack != nil {
		return r.ack.Packet()
	}
	if r.message != nil {
		return r.message.Packet()
	}
	return Packet{}
}

// RequestResult collects every response to a request across retries
type RequestResult struct {
	Retried   bool
	Attempts  int
	Responses []Response
}

// Messages returns the decoded messages in arrival order
func (r RequestResult) Messages() []Message {
	var out []Message
	for _, resp := range r.Responses {
		if m, ok := resp.Message(); ok {
			out = append(out, m)
		}
	}
	return out
}

// Acks returns the acknowledgments in arrival order
func (r RequestResult) Acks() []Acknowledgment {
	var out []Acknowledgment
	for _, resp := range r.Responses {
		if a, ok := resp.Ack(); ok {
			out = append(out, a)
		}
	}
	return out
}

// Empty reports whether nothing answered
func (r RequestResult) Empty() bool {
	return len(r.Responses) == 0
}
