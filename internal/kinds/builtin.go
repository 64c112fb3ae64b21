package kinds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/upstream"
)

// Built-in kind names.
const (
	KindSleep    = "sleep"
	KindEcho     = "echo"
	KindUpstream = "upstream"
)

// maxSleep bounds the sleep kind so a typo cannot park the worker for hours.
const maxSleep = 10 * time.Minute

// Sleep holds the main thread for a while and optionally fails. It exists
// for diagnostics: checking the busy marker, queueing, and failure handling
// without touching the model.
type Sleep struct{}

type sleepArgs struct {
	MS   int    `json:"ms"`
	Fail string `json:"fail"`
}

// Run implements Kind.
func (Sleep) Run(ctx context.Context, req Request) (Result, error) {
	var args sleepArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return Result{}, fmt.Errorf("decode sleep args: %w", err)
		}
	}

	// Bound ms before converting so large values cannot wrap into range.
	if args.MS < 0 || args.MS > int(maxSleep/time.Millisecond) {
		return Result{}, fmt.Errorf("sleep duration %dms out of range", args.MS)
	}
	d := time.Duration(args.MS) * time.Millisecond

	req.log(fmt.Sprintf("sleeping %dms", args.MS))
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	if args.Fail != "" {
		return Result{}, errors.New(args.Fail)
	}

	out, err := json.Marshal(map[string]int{"slept_ms": args.MS})
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out}, nil
}

// Describe implements Kind.
func (Sleep) Describe() Info {
	return Info{Name: KindSleep, Description: "hold the main thread for ms milliseconds, failing with fail if set"}
}

// Echo returns its arguments as output.
type Echo struct{}

// Run implements Kind.
func (Echo) Run(_ context.Context, req Request) (Result, error) {
	if len(req.Args) == 0 {
		return Result{Output: json.RawMessage("null")}, nil
	}
	return Result{Output: req.Args}, nil
}

// Describe implements Kind.
func (Echo) Describe() Info {
	return Info{Name: KindEcho, Description: "return the arguments unchanged"}
}

// Upstream forwards an opaque payload to the model server. Because it runs
// on the main thread, the server only ever sees one request at a time.
type Upstream struct {
	Client *upstream.Client
}

type upstreamArgs struct {
	Path string          `json:"path"`
	Body json.RawMessage `json:"body"`
}

// Run implements Kind.
func (u *Upstream) Run(ctx context.Context, req Request) (Result, error) {
	var args upstreamArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return Result{}, fmt.Errorf("decode upstream args: %w", err)
	}
	if args.Path == "" {
		return Result{}, errors.New("upstream args: path is required")
	}

	req.log("POST " + args.Path)
	start := time.Now()
	out, err := u.Client.Post(ctx, args.Path, args.Body)
	if err != nil {
		return Result{}, err
	}
	req.log(fmt.Sprintf("upstream answered in %dms (%d bytes)", time.Since(start).Milliseconds(), len(out)))

	return Result{Output: out}, nil
}

// Describe implements Kind.
func (u *Upstream) Describe() Info {
	return Info{Name: KindUpstream, Description: "POST body to path on the model server at " + u.Client.BaseURL()}
}

// RegisterBuiltins adds the built-in kinds to reg. client may be nil, in
// which case the upstream kind is not registered.
func RegisterBuiltins(reg *Registry, client *upstream.Client) {
	reg.Register(KindSleep, Sleep{})
	reg.Register(KindEcho, Echo{})
	if client != nil {
		reg.Register(KindUpstream, &Upstream{Client: client})
	}
}
