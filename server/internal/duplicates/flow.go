package duplicates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/fsutil"
	"github.com/boardsaver/boardsaver/server/internal/notify"
	"golang.org/x/sync/errgroup"
)

// how many source lookups run at once while loading
const lookupConcurrency = 4

var ErrUnknownItem = errors.New("item is not part of the duplicate set")

type Store interface {
	SelectByStatus(ctx context.Context, batchID string, statuses ...internal.Status) ([]internal.DownloadRequest, error)
	UpdateResolution(ctx context.Context, batchID string, policies map[string]internal.ResolutionPolicy) error
}

// Tells whether a remote image can still be fetched.
type SourceLookup interface {
	Exists(ctx context.Context, url string) (bool, error)
}

// Runs the orchestrator again on exactly the given requests of a batch.
type Runner interface {
	Resume(ctx context.Context, batchID string, urls []string) error
}

type StateKind int

const (
	Loading StateKind = iota
	Empty
	Error
	Ready
)

func (k StateKind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Error:
		return "error"
	case Ready:
		return "ready"
	}
	return "loading"
}

func (k StateKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

type BulkOp int

const (
	SelectNone BulkOp = iota
	AcceptAllServer
	AcceptAllLocal
	AcceptAllAsCopy
)

func ParseBulkOp(s string) (BulkOp, error) {
	switch strings.ToLower(s) {
	case "none":
		return SelectNone, nil
	case "server":
		return AcceptAllServer, nil
	case "local":
		return AcceptAllLocal, nil
	case "copy":
		return AcceptAllAsCopy, nil
	}
	return SelectNone, fmt.Errorf("unknown bulk operation %q", s)
}

func (op BulkOp) policy() internal.ResolutionPolicy {
	switch op {
	case AcceptAllServer:
		return internal.ResolutionOverwrite
	case AcceptAllLocal:
		return internal.ResolutionSkip
	case AcceptAllAsCopy:
		return internal.ResolutionSaveAsCopy
	}
	return internal.ResolutionAskUser
}

type Item struct {
	Request      internal.DownloadRequest  `json:"request"`
	ServerExists bool                      `json:"serverExists"`
	LocalExists  bool                      `json:"localExists"`
	LocalSize    int64                     `json:"localSize"`
	Resolution   internal.ResolutionPolicy `json:"resolution"`
}

type State struct {
	BatchID string    `json:"batchId"`
	Kind    StateKind `json:"state"`
	Items   []Item    `json:"items,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Flow walks the user through the requests of a batch that ended up in
// NeedsDuplicateDecision. It is not reused across batches.
type Flow struct {
	batchID string
	store   Store
	lookup  SourceLookup
	runner  Runner
	fs      fsutil.FileSystem
	updates *notify.Broadcaster[State]

	mu    sync.Mutex
	state State
}

func New(
	batchID string,
	store Store,
	lookup SourceLookup,
	runner Runner,
	fsys fsutil.FileSystem,
	updates *notify.Broadcaster[State],
) *Flow {
	if updates == nil {
		updates = notify.New[State](8)
	}
	return &Flow{
		batchID: batchID,
		store:   store,
		lookup:  lookup,
		runner:  runner,
		fs:      fsys,
		updates: updates,
		state:   State{BatchID: batchID, Kind: Loading},
	}
}

func (f *Flow) Updates() *notify.Broadcaster[State] { return f.updates }

// State returns a copy of the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

// Load reads the pending duplicates and inspects both sides of every
// conflict to suggest a resolution.
func (f *Flow) Load(ctx context.Context) error {
	f.set(State{BatchID: f.batchID, Kind: Loading})

	reqs, err := f.store.SelectByStatus(ctx, f.batchID, internal.StatusNeedsDuplicateDecision)
	if err != nil {
		f.set(State{BatchID: f.batchID, Kind: Error, Error: err.Error()})
		return fmt.Errorf("failed to load duplicates of %s: %w", f.batchID, err)
	}

	if len(reqs) == 0 {
		f.set(State{BatchID: f.batchID, Kind: Empty})
		return nil
	}

	items := make([]Item, len(reqs))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(lookupConcurrency)

	for i := range reqs {
		eg.Go(func() error {
			items[i] = f.inspect(ctx, reqs[i])
			return ctx.Err()
		})
	}

	if err := eg.Wait(); err != nil {
		f.set(State{BatchID: f.batchID, Kind: Error, Error: err.Error()})
		return err
	}

	f.set(State{BatchID: f.batchID, Kind: Ready, Items: items})
	return nil
}

func (f *Flow) inspect(ctx context.Context, req internal.DownloadRequest) Item {
	item := Item{Request: req}

	exists, err := f.lookup.Exists(ctx, req.SourceURL)
	if err != nil {
		slog.Warn("source lookup failed",
			slog.String("batch", f.batchID),
			slog.String("url", req.SourceURL),
			slog.Any("err", err),
		)
	}
	item.ServerExists = exists

	if req.DuplicatePath != nil {
		item.LocalSize = fsutil.Length(f.fs, *req.DuplicatePath)
		item.LocalExists = item.LocalSize > 0
	}

	item.Resolution = suggest(item.ServerExists, item.LocalExists)
	return item
}

func suggest(server, local bool) internal.ResolutionPolicy {
	switch {
	case !server && !local:
		return internal.ResolutionSaveAsCopy
	case !local:
		return internal.ResolutionOverwrite
	default:
		return internal.ResolutionAskUser
	}
}

func (f *Flow) SetResolution(url string, policy internal.ResolutionPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.state.Items {
		if f.state.Items[i].Request.SourceURL == url {
			f.state.Items[i].Resolution = policy
			f.updates.Publish(f.snapshot())
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownItem, url)
}

func (f *Flow) ApplyBulk(op BulkOp) {
	f.mu.Lock()
	defer f.mu.Unlock()

	policy := op.policy()
	for i := range f.state.Items {
		f.state.Items[i].Resolution = policy
	}
	f.updates.Publish(f.snapshot())
}

// Resolve persists every decision and hands the items back to the
// orchestrator. Nothing is written while any item still asks the user.
func (f *Flow) Resolve(ctx context.Context) error {
	f.mu.Lock()
	items := append([]Item(nil), f.state.Items...)
	f.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	policies := make(map[string]internal.ResolutionPolicy, len(items))
	urls := make([]string, 0, len(items))
	pending := 0

	for _, it := range items {
		if it.Resolution == internal.ResolutionAskUser {
			pending++
			continue
		}
		policies[it.Request.SourceURL] = it.Resolution
		urls = append(urls, it.Request.SourceURL)
	}

	if pending > 0 {
		return fmt.Errorf("%w: %d of %d items in %s", internal.ErrUnresolvedItems, pending, len(items), f.batchID)
	}

	if err := f.store.UpdateResolution(ctx, f.batchID, policies); err != nil {
		return fmt.Errorf("failed to persist resolutions: %w", err)
	}

	if err := f.runner.Resume(ctx, f.batchID, urls); err != nil {
		return err
	}

	f.set(State{BatchID: f.batchID, Kind: Empty})
	return nil
}

func (f *Flow) set(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = s
	f.updates.Publish(f.snapshot())
}

func (f *Flow) snapshot() State {
	s := f.state
	s.Items = append([]Item(nil), f.state.Items...)
	return s
}
