package githook

import (
	"encoding/json"
	"io"
	"sync"
)

const (
	HookPreReceive  = "pre-receive"
	HookPostReceive = "post-receive"
)

// Request is the single line a hook shim sends after connecting.
type Request struct {
	Hook           string            `json:"hook"`
	UserName       string            `json:"user_name"`
	RepositoryName string            `json:"repository_name"`
	Environ        map[string]string `json:"environ"`
	Refs           []RefUpdate       `json:"refs"`
}

type RefUpdate struct {
	RefName string `json:"ref_name"`
	OldSHA1 string `json:"old_sha1"`
	NewSHA1 string `json:"new_sha1"`
}

// Response is one line sent back to the shim.
type Response struct {
	Output string `json:"output,omitempty"`
	Accept bool   `json:"accept,omitempty"`
	Reject bool   `json:"reject,omitempty"`
	Close  bool   `json:"close,omitempty"`
}

// responder serializes response lines onto the connection.
type responder struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func newResponder(w io.Writer) *responder {
	return &responder{enc: json.NewEncoder(w)}
}

func (r *responder) send(response Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	// A client that went away stops reading; later writes are dropped.
	r.err = r.enc.Encode(response)
	return r.err
}

func (r *responder) output(text string) error {
	if text == "" {
		return nil
	}
	return r.send(Response{Output: text})
}

func (r *responder) accept() error {
	return r.send(Response{Accept: true})
}

func (r *responder) reject() error {
	return r.send(Response{Reject: true})
}

func (r *responder) close() error {
	return r.send(Response{Close: true})
}
