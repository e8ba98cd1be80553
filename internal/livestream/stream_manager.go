// Package livestream tracks which streams are being published and turns
// publish and unpublish notifications into recording lifecycle events.
package livestream

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// EventSink receives stream lifecycle events.
type EventSink interface {
	OnStreamStarted(streamID, sourceURL string)
	OnStreamStopped(streamID string)
}

// Origin names where a publish notification came from.
type Origin string

const (
	OriginRTMP Origin = "rtmp"
	OriginHook Origin = "hook"
)

// ActiveStream holds real-time data for a live stream.
type ActiveStream struct {
	StreamKey    string    `json:"stream_key"`
	Origin       Origin    `json:"origin"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	SourceURL    string    `json:"source_url"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// StreamManager de-duplicates publish notifications: the sink sees exactly
// one start per publish and one stop per unpublish.
type StreamManager struct {
	sink      EventSink
	sourceURL func(streamKey string) string
	clock     clockwork.Clock
	logger    *zap.Logger

	mu            sync.RWMutex
	activeStreams map[string]*ActiveStream
}

// NewStreamManager creates a new stream manager. sourceURL maps a stream
// key to the URL the recorder should pull.
func NewStreamManager(sink EventSink, sourceURL func(string) string, clock clockwork.Clock, logger *zap.Logger) *StreamManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StreamManager{
		sink:          sink,
		sourceURL:     sourceURL,
		clock:         clock,
		logger:        logger.Named("streams"),
		activeStreams: make(map[string]*ActiveStream),
	}
}

// HandleStreamStart registers a publishing stream. It reports false if the
// key is already live.
func (sm *StreamManager) HandleStreamStart(streamKey string, origin Origin, remoteAddr string) bool {
	sm.mu.Lock()
	if _, exists := sm.activeStreams[streamKey]; exists {
		sm.mu.Unlock()
		sm.logger.Info("stream already live", zap.String("stream", streamKey), zap.String("origin", string(origin)))
		return false
	}
	now := sm.clock.Now()
	stream := &ActiveStream{
		StreamKey:    streamKey,
		Origin:       origin,
		RemoteAddr:   remoteAddr,
		SourceURL:    sm.sourceURL(streamKey),
		StartedAt:    now,
		LastActivity: now,
	}
	sm.activeStreams[streamKey] = stream
	sm.mu.Unlock()

	sm.logger.Info("stream published",
		zap.String("stream", streamKey),
		zap.String("origin", string(origin)),
		zap.String("source", stream.SourceURL),
	)
	sm.sink.OnStreamStarted(streamKey, stream.SourceURL)
	return true
}

// HandleStreamEnd orchestrates cleanup when a stream stops.
func (sm *StreamManager) HandleStreamEnd(streamKey string) {
	sm.mu.Lock()
	_, exists := sm.activeStreams[streamKey]
	delete(sm.activeStreams, streamKey)
	sm.mu.Unlock()

	if !exists {
		sm.logger.Debug("unpublish for unknown stream", zap.String("stream", streamKey))
		return
	}
	sm.logger.Info("stream unpublished", zap.String("stream", streamKey))
	sm.sink.OnStreamStopped(streamKey)
}

// Touch records media activity on a live stream.
func (sm *StreamManager) Touch(streamKey string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if stream, exists := sm.activeStreams[streamKey]; exists {
		stream.LastActivity = sm.clock.Now()
	}
}

// IsLive reports whether streamKey is being published.
func (sm *StreamManager) IsLive(streamKey string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.activeStreams[streamKey]
	return ok
}

// ActiveStreams returns a snapshot of the live streams ordered by key.
func (sm *StreamManager) ActiveStreams() []ActiveStream {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]ActiveStream, 0, len(sm.activeStreams))
	for _, s := range sm.activeStreams {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}
