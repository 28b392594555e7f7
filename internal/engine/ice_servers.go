package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// ICEServerEntry is the wire shape returned by /api/ice-servers.
type ICEServerEntry struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// fallbackICEServers is used when /api/ice-servers is unreachable.
var fallbackICEServers = []ICEServerEntry{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// ICEServerRanker fetches, health-checks, ranks, and caches the ICE
// server list advertised by the signaling service.
type ICEServerRanker struct {
	endpoint   string
	httpClient *http.Client

	mu        sync.Mutex
	cached    []ICEServerEntry
	cachedAt  time.Time
}

// NewICEServerRanker builds a ranker that queries endpoint (typically
// "<signal base url>/api/ice-servers").
func NewICEServerRanker(endpoint string) *ICEServerRanker {
	return &ICEServerRanker{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Servers returns the ranked ICE server list, using the 5-minute cache
// when still fresh.
func (r *ICEServerRanker) Servers(ctx context.Context) []ICEServerEntry {
	r.mu.Lock()
	if r.cached != nil && time.Since(r.cachedAt) < ICEServerCacheTTL {
		cached := r.cached
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	entries, err := r.fetch(ctx)
	if err != nil {
		return fallbackICEServers
	}

	ranked := r.rank(ctx, entries)

	r.mu.Lock()
	r.cached = ranked
	r.cachedAt = time.Now()
	r.mu.Unlock()

	return ranked
}

func (r *ICEServerRanker) fetch(ctx context.Context) ([]ICEServerEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice-servers endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []ICEServerEntry `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.ICEServers, nil
}

// rank health-checks each STUN server in parallel (2s cap) and sorts the
// responsive ones ascending by latency. TURN servers (identified by a
// "turn:"/"turns:" URL or by carrying credentials) are kept as-is and
// prepended, since probing them costs a real relay allocation.
func (r *ICEServerRanker) rank(ctx context.Context, entries []ICEServerEntry) []ICEServerEntry {
	var stun, turn []ICEServerEntry
	for _, e := range entries {
		if e.Username != "" || e.Credential != "" || isTURN(e) {
			turn = append(turn, e)
		} else {
			stun = append(stun, e)
		}
	}

	type timedEntry struct {
		entry   ICEServerEntry
		latency time.Duration
		ok      bool
	}

	results := make([]timedEntry, len(stun))
	var wg sync.WaitGroup
	for i, e := range stun {
		wg.Add(1)
		go func(i int, e ICEServerEntry) {
			defer wg.Done()
			latency, ok := probeSTUN(ctx, e)
			results[i] = timedEntry{entry: e, latency: latency, ok: ok}
		}(i, e)
	}
	wg.Wait()

	responsive := results[:0]
	for _, res := range results {
		if res.ok {
			responsive = append(responsive, res)
		}
	}
	sort.Slice(responsive, func(i, j int) bool {
		return responsive[i].latency < responsive[j].latency
	})

	out := make([]ICEServerEntry, 0, len(entries))
	out = append(out, turn...)
	for _, res := range responsive {
		out = append(out, res.entry)
	}
	return out
}

func isTURN(e ICEServerEntry) bool {
	for _, u := range e.URLs {
		if len(u) >= 5 && u[:5] == "turn:" {
			return true
		}
		if len(u) >= 6 && u[:6] == "turns:" {
			return true
		}
	}
	return false
}

// probeSTUN opens a throwaway PeerConnection against a single STUN
// server and waits for a srflx candidate, recording the round trip.
func probeSTUN(ctx context.Context, entry ICEServerEntry) (time.Duration, bool) {
	ctx, cancel := context.WithTimeout(ctx, StunProbeTimeout)
	defer cancel()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: entry.URLs}},
	})
	if err != nil {
		return 0, false
	}
	defer pc.Close()

	if _, err := pc.CreateDataChannel("probe", nil); err != nil {
		return 0, false
	}

	start := time.Now()
	found := make(chan time.Duration, 1)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if c.Typ == webrtc.ICECandidateTypeSrflx {
			select {
			case found <- time.Since(start):
			default:
			}
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return 0, false
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return 0, false
	}

	select {
	case latency := <-found:
		return latency, true
	case <-ctx.Done():
		return 0, false
	}
}

// ToWebRTC converts ranked ICEServerEntry values into pion's
// webrtc.ICEServer configuration type.
func ToWebRTC(entries []ICEServerEntry) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		out = append(out, webrtc.ICEServer{
			URLs:       e.URLs,
			Username:   e.Username,
			Credential: e.Credential,
		})
	}
	return out
}
