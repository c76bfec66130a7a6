// Package callback implements the external-callback bridge: a local
// loopback HTTP listener standing in for the editor host's URI-scheme
// handler, since a CLI-hosted module has no OS URI-scheme registration to
// lean on.
package callback

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Result is what the authorization redirect delivered.
type Result struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	Canceled         bool
}

// Listener is one in-flight callback wait: an ephemeral (or fixed-port)
// HTTP server plus the channel its handler feeds.
type Listener struct {
	RedirectURI string

	server  *http.Server
	ln      net.Listener
	results chan Result
}

// Listen starts an HTTP listener on addr (e.g. "127.0.0.1:54545" for a
// vendor-fixed redirect, or "127.0.0.1:0" to let the OS pick a free port
// for the generic OAuth2 path) and serves path, filtering callbacks by
// expectedState. Only the first matching request is ever delivered;
// later or mismatched ones receive a benign response but are ignored.
func Listen(addr, path, expectedState string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("callback: listen %s: %w", addr, err)
	}
	l := &Listener{
		ln:      ln,
		results: make(chan Result, 1),
	}
	l.RedirectURI = fmt.Sprintf("http://%s%s", ln.Addr().String(), path)

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		state := q.Get("state")
		if state != expectedState {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("state mismatch"))
			return
		}
		res := Result{
			Code:             q.Get("code"),
			State:            state,
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>Authentication complete. You can close this tab.</body></html>"))
		select {
		case l.results <- res:
		default:
		}
	})
	l.server = &http.Server{Handler: mux}
	go func() { _ = l.server.Serve(ln) }()
	return l, nil
}

// Await blocks until a matching callback arrives, ctx is canceled, or
// cancel() is invoked from host UI (both produce a Result{Canceled:true}).
func (l *Listener) Await(ctx context.Context) (Result, error) {
	select {
	case res := <-l.results:
		return res, nil
	case <-ctx.Done():
		return Result{Canceled: true}, ctx.Err()
	}
}

// Cancel unblocks a pending Await with a canceled result, used when the
// host's progress UI lets the user abort the authorization flow.
func (l *Listener) Cancel() {
	select {
	case l.results <- Result{Canceled: true}:
	default:
	}
}

// Close tears down the HTTP server and its listener.
func (l *Listener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}
