package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamforge/ingestd/internal/fetch"
	"github.com/streamforge/ingestd/internal/lock"
	"github.com/streamforge/ingestd/internal/model"
	"github.com/streamforge/ingestd/internal/outbox"
	"github.com/streamforge/ingestd/internal/stream"
)

// fakeStore is an in-memory Store fake covering every method the
// Orchestrator and the phase components it builds need. It follows the
// same in-memory-map convention as internal/group's, internal/stream's,
// internal/prune's, and internal/autochannel's own fakes.
type fakeStore struct {
	mu sync.Mutex

	sources map[string]model.Source

	groups       map[string]model.Group
	memberships  map[string]model.GroupMembership
	nextMemberID int

	streamsByHash map[string]model.Stream
	nextStreamID  int

	filters map[string][]model.Filter

	channelBound map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources:       map[string]model.Source{},
		groups:        map[string]model.Group{},
		memberships:   map[string]model.GroupMembership{},
		streamsByHash: map[string]model.Stream{},
		filters:       map[string][]model.Filter{},
		channelBound:  map[string]bool{},
	}
}

func (f *fakeStore) GetSource(ctx context.Context, id string) (model.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok {
		return model.Source{}, fmt.Errorf("source %s not found", id)
	}
	return src, nil
}

func (f *fakeStore) ListActiveSources(ctx context.Context) ([]model.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Source
	for _, s := range f.sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) SetSourceStatus(ctx context.Context, sourceID string, status model.SourceStatus, lastMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.sources[sourceID]
	src.Status = status
	src.LastMessage = lastMessage
	f.sources[sourceID] = src
	return nil
}

func (f *fakeStore) UpdateAccountInfo(ctx context.Context, sourceID string, info map[string]any) error {
	return nil
}

func (f *fakeStore) ListFiltersForSource(ctx context.Context, sourceID string) ([]model.Filter, error) {
	return f.filters[sourceID], nil
}

func (f *fakeStore) ChannelHasStream(ctx context.Context, channelID string) (bool, error) {
	return f.channelBound[channelID], nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

// --- group.Store -------------------------------------------------------

func (f *fakeStore) GetOrCreateGroup(ctx context.Context, tx pgx.Tx, name string) (model.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[name]; ok {
		return g, nil
	}
	g := model.Group{ID: fmt.Sprintf("g%d", len(f.groups)+1), Name: name}
	f.groups[name] = g
	return g, nil
}

func (f *fakeStore) ListGroupMemberships(ctx context.Context, sourceID string) ([]model.GroupMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.GroupMembership
	for _, m := range f.memberships {
		if m.SourceID == sourceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertGroupMembership(ctx context.Context, tx pgx.Tx, m model.GroupMembership) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		f.nextMemberID++
		m.ID = fmt.Sprintf("m%d", f.nextMemberID)
	}
	f.memberships[m.ID] = m
	return m.ID, nil
}

func (f *fakeStore) DeleteGroupMembership(ctx context.Context, tx pgx.Tx, membershipID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.memberships, membershipID)
	return nil
}

func (f *fakeStore) DeleteOrphanGroups(ctx context.Context) (int, error) { return 0, nil }

// --- stream.Store -------------------------------------------------------

func (f *fakeStore) GetStreamHashesForSource(ctx context.Context, sourceID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for hash, st := range f.streamsByHash {
		if st.SourceID == sourceID {
			out[st.ID] = hash
		}
	}
	return out, nil
}

func (f *fakeStore) GetStreamsByHashes(ctx context.Context, hashes []string) (map[string]model.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]model.Stream{}
	for _, h := range hashes {
		if st, ok := f.streamsByHash[h]; ok {
			out[h] = st
		}
	}
	return out, nil
}

func (f *fakeStore) BatchUpsertStreams(ctx context.Context, tx pgx.Tx, creates, updates, touched []model.Stream, now time.Time) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range creates {
		f.nextStreamID++
		st.ID = fmt.Sprintf("st%d", f.nextStreamID)
		st.LastSeen = now
		f.streamsByHash[st.StreamHash] = st
	}
	for _, st := range updates {
		st.LastSeen = now
		f.streamsByHash[st.StreamHash] = st
	}
	for _, st := range touched {
		st.LastSeen = now
		f.streamsByHash[st.StreamHash] = st
	}
	return len(creates), len(updates), nil
}

// --- prune.Store -------------------------------------------------------

func (f *fakeStore) ListStaleStreams(ctx context.Context, sourceID string, cutoff time.Time) ([]model.Stream, error) {
	return nil, nil
}

func (f *fakeStore) ListStreamsInDisabledGroups(ctx context.Context, sourceID string) ([]model.Stream, error) {
	return nil, nil
}

func (f *fakeStore) DeleteStreams(ctx context.Context, ids []string) error { return nil }

// --- autochannel.Store ---------------------------------------------------

func (f *fakeStore) ListGroupStreamsSince(ctx context.Context, sourceID, groupID string, since time.Time) ([]model.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Stream
	for _, st := range f.streamsByHash {
		if st.SourceID == sourceID && st.ChannelGroupID == groupID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeStore) MapAutoChannelsByStream(ctx context.Context, sourceID, groupID string) (map[string]model.Channel, error) {
	return map[string]model.Channel{}, nil
}

func (f *fakeStore) BlockedChannelNumbers(ctx context.Context, excludeSourceID string) (map[float64]bool, error) {
	return map[float64]bool{}, nil
}

func (f *fakeStore) ListChannelProfileIDs(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeStore) SetChannelProfileMemberships(ctx context.Context, tx pgx.Tx, channelID string, profileIDs []string) error {
	return nil
}

func (f *fakeStore) FindEPGDataIDByTvgID(ctx context.Context, tvgID string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeStore) CreateChannel(ctx context.Context, tx pgx.Tx, c model.Channel) (string, error) {
	return "ch1", nil
}

func (f *fakeStore) UpdateChannel(ctx context.Context, tx pgx.Tx, c model.Channel) error { return nil }

func (f *fakeStore) UpdateChannelNumber(ctx context.Context, tx pgx.Tx, channelID string, number float64) error {
	return nil
}

func (f *fakeStore) DeleteChannel(ctx context.Context, tx pgx.Tx, channelID string) error { return nil }

func (f *fakeStore) SetChannelStream(ctx context.Context, tx pgx.Tx, channelID, streamID string, order int) error {
	return nil
}

func (f *fakeStore) ListAutoCreatedChannels(ctx context.Context, sourceID string) ([]model.Channel, error) {
	return nil, nil
}

// --- rehash.Store --------------------------------------------------------

func (f *fakeStore) AllStreams(ctx context.Context) ([]model.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Stream
	for _, st := range f.streamsByHash {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeStore) SetStreamHash(ctx context.Context, tx pgx.Tx, streamID, newHash string) error {
	return nil
}

func (f *fakeStore) CopyStreamContent(ctx context.Context, tx pgx.Tx, targetID string, src model.Stream) error {
	return nil
}

func (f *fakeStore) MergeStreams(ctx context.Context, tx pgx.Tx, winnerID, loserID string) error {
	return nil
}

// --- lock fake -----------------------------------------------------------

type fakeLockStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeLockStore() *fakeLockStore { return &fakeLockStore{data: map[string]string{}} }

func (f *fakeLockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func (f *fakeLockStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeLockStore) held(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

// --- events fake -----------------------------------------------------------

type fakeAppender struct {
	mu     sync.Mutex
	events []outbox.EventType
}

func newFakeAppender() *fakeAppender { return &fakeAppender{} }

func (f *fakeAppender) Append(ctx context.Context, eventType outbox.EventType, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeAppender) AppendTx(ctx context.Context, exec outbox.Executor, eventType outbox.EventType, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeAppender) has(t outbox.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == t {
			return true
		}
	}
	return false
}

// --- reporter fake -----------------------------------------------------------

type fakeReporter struct{}

func (fakeReporter) ReportDownloading(ctx context.Context, sourceID string, percent float64, speedKBs, elapsedSec, etaSec float64, message string) {
}
func (fakeReporter) ReportUpsertProgress(ctx context.Context, sourceID string, progress, elapsedSec, etaSec float64, created, updated int) {
}
func (fakeReporter) ReportRehashProgress(ctx context.Context, progress float64, totalProcessed, duplicatesMerged, finalCount int) {
}
func (fakeReporter) ReportRehashBlocked(ctx context.Context, message string) {}

// --- helpers -----------------------------------------------------------

func newPlaylistSource(id string, urls ...string) model.Source {
	return model.Source{ID: id, Kind: model.SourceKindPlaylist, Enabled: true, URLs: urls, RetentionDays: 7}
}

func TestRefreshSource_PlaylistHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:-1 tvg-id=\"sport1\" group-title=\"Sports\",Sport Channel\nhttp://upstream.test/sport1.ts\n"))
	}))
	defer srv.Close()

	store := newFakeStore()
	store.sources["src1"] = newPlaylistSource("src1", srv.URL)

	locker := lock.New(newFakeLockStore())
	events := newFakeAppender()
	fetcher := fetch.New(t.TempDir())

	o := New(store, locker, events, fakeReporter{}, fetcher, WithHashKeys([]stream.KeyField{stream.KeyURL}))

	if err := o.RefreshSource(context.Background(), "src1"); err != nil {
		t.Fatalf("RefreshSource: %v", err)
	}

	src, _ := store.GetSource(context.Background(), "src1")
	if src.Status != model.StatusSuccess {
		t.Fatalf("final status = %s, want success", src.Status)
	}
	if len(store.streamsByHash) != 1 {
		t.Fatalf("expected 1 stream persisted, got %d", len(store.streamsByHash))
	}
	if !events.has(outbox.EventRefreshStarted) || !events.has(outbox.EventRefreshCompleted) {
		t.Fatalf("expected refresh_started and refresh_completed events, got %v", events.events)
	}
}

func TestRefreshSource_LockContendedLeavesStatusUntouched(t *testing.T) {
	store := newFakeStore()
	store.sources["src1"] = model.Source{ID: "src1", Kind: model.SourceKindPlaylist, Enabled: true, Status: model.StatusIdle}

	lockStore := newFakeLockStore()
	lockStore.data[lock.Key(lock.OpRefreshSingleSource, "src1")] = "1"
	locker := lock.New(lockStore)

	o := New(store, locker, newFakeAppender(), fakeReporter{}, fetch.New(t.TempDir()))

	err := o.RefreshSource(context.Background(), "src1")
	if err == nil {
		t.Fatal("expected lock-contended error")
	}
	src, _ := store.GetSource(context.Background(), "src1")
	if src.Status != model.StatusIdle {
		t.Errorf("status changed to %s despite lock contention", src.Status)
	}
}

func TestRefreshSource_FetchFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.sources["src1"] = newPlaylistSource("src1", srv.URL)

	lockStore := newFakeLockStore()
	locker := lock.New(lockStore)
	events := newFakeAppender()
	o := New(store, locker, events, fakeReporter{}, fetch.New(t.TempDir(), fetch.WithMaxCycles(1)))

	err := o.RefreshSource(context.Background(), "src1")
	if err == nil {
		t.Fatal("expected fetch failure to propagate")
	}

	src, _ := store.GetSource(context.Background(), "src1")
	if src.Status != model.StatusError {
		t.Fatalf("status = %s, want error", src.Status)
	}
	if !events.has(outbox.EventRefreshFailed) {
		t.Error("expected m3u.refresh_failed to be emitted")
	}
	if lockStore.held(lock.Key(lock.OpRefreshSingleSource, "src1")) {
		t.Error("expected lock released after abort")
	}
}

func TestRefreshAllActive_FansOutAcrossSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,A\nhttp://a.example/a.ts\n"))
	}))
	defer srv.Close()

	store := newFakeStore()
	store.sources["src1"] = newPlaylistSource("src1", srv.URL)
	store.sources["src2"] = newPlaylistSource("src2", srv.URL)
	store.sources["disabled"] = model.Source{ID: "disabled", Kind: model.SourceKindPlaylist, Enabled: false}

	locker := lock.New(newFakeLockStore())
	events := newFakeAppender()
	o := New(store, locker, events, fakeReporter{}, fetch.New(t.TempDir()))

	if err := o.RefreshAllActive(context.Background()); err != nil {
		t.Fatalf("RefreshAllActive: %v", err)
	}

	for _, id := range []string{"src1", "src2"} {
		src, _ := store.GetSource(context.Background(), id)
		if src.Status != model.StatusSuccess {
			t.Errorf("source %s status = %s, want success", id, src.Status)
		}
	}
	if _, ok := store.sources["disabled"]; !ok {
		t.Fatal("disabled source should not have been removed from the store")
	}
	if store.sources["disabled"].Status != "" {
		t.Error("disabled source should never have been refreshed")
	}
}
