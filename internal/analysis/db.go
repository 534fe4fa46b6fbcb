package analysis

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lenalebt/libmusic-sub000/internal/store"
)

// FeatureStore is a local JSON-file cache of per-recording AudioFeatures,
// the similarity graph, and community assignments, keyed by track path
// instead of the store.Store interface's int64 recording IDs (spec.md §6
// leaves the persistent store an external collaborator; this is the
// batch CLI's own stand-in cache, not an implementation of that
// interface). RecordingFeatures converts a cached entry to the
// spec-derived store.RecordingFeatures shape so code that already speaks
// the store's vocabulary (category training/scoring) doesn't need a
// second, ad hoc field mapping.
type FeatureStore struct {
	mu       sync.RWMutex
	dataPath string

	// In-memory cache
	features    map[string]*StoredFeatures
	edges       map[string][]SimilarityEdge
	communities map[string]*TrackCommunity
	communityInfo []CommunityInfo
}

// StoredFeatures pairs a cached AudioFeatures with its bookkeeping: the
// feature schema version and a content hash of the source file.
type StoredFeatures struct {
	Features   *AudioFeatures `json:"features"`
	Version    int            `json:"version"`
	AnalyzedAt int64          `json:"analyzedAt"`
	FileHash   string         `json:"fileHash"`
}

// RecordingFeatures projects a cached entry into the spec-derived
// store.RecordingFeatures shape (spec.md §3), assigning it recordingID.
// Returns the zero value if no features were ever stored (Features nil).
func (s *StoredFeatures) RecordingFeatures(recordingID int64) store.RecordingFeatures {
	if s == nil || s.Features == nil {
		return store.RecordingFeatures{RecordingID: recordingID}
	}
	f := s.Features
	return store.RecordingFeatures{
		RecordingID:      recordingID,
		TempoBPM:         f.TempoBPM,
		LengthSeconds:    f.Duration,
		DynamicRangeMean: f.DynamicRangeMean,
		DynamicRangeRMS:  f.DynamicRangeRMS,
		TimbreGMM:        f.TimbreGMM,
		ChromaGMM:        f.ChromaGMM,
	}
}

// SimilarityEdge is one weighted edge out of trackPath in the similarity
// graph the batch CLI's "similar"/"cluster" subcommands build over the
// cache's recordings.
type SimilarityEdge struct {
	TargetPath string  `json:"targetPath"`
	Weight     float32 `json:"weight"`
}

// TrackCommunity is a track's membership in a detected cluster: which
// community it landed in, how central it is within that community, and how
// much it also connects outward to others (a bridge track).
type TrackCommunity struct {
	CommunityID int     `json:"communityId"`
	Centrality  float32 `json:"centrality"`
	BridgeScore float32 `json:"bridgeScore"`
}

// CommunityInfo summarizes one detected community: its size and the
// features that characterize it, for the "cluster" subcommand's report.
type CommunityInfo struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	TrackCount  int      `json:"trackCount"`
	TopFeatures []string `json:"topFeatures"`
}

// NewFeatureStore opens (or initializes) the JSON cache under dataDir.
func NewFeatureStore(dataDir string) (*FeatureStore, error) {
	dataPath := filepath.Join(dataDir, "audio_analysis.json")

	fs := &FeatureStore{
		dataPath:    dataPath,
		features:    make(map[string]*StoredFeatures),
		edges:       make(map[string][]SimilarityEdge),
		communities: make(map[string]*TrackCommunity),
	}

	if err := fs.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load cache: %w", err)
		}
	}

	return fs, nil
}

// load populates the in-memory cache from dataPath; a missing file is left
// to the caller (NewFeatureStore treats os.IsNotExist as "start empty").
func (s *FeatureStore) load() error {
	data, err := os.ReadFile(s.dataPath)
	if err != nil {
		return err
	}

	var stored struct {
		Features    map[string]*StoredFeatures   `json:"features"`
		Edges       map[string][]SimilarityEdge  `json:"edges"`
		Communities map[string]*TrackCommunity   `json:"communities"`
		CommunityInfo []CommunityInfo            `json:"communityInfo"`
	}

	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	s.features = stored.Features
	s.edges = stored.Edges
	s.communities = stored.Communities
	s.communityInfo = stored.CommunityInfo

	if s.features == nil {
		s.features = make(map[string]*StoredFeatures)
	}
	if s.edges == nil {
		s.edges = make(map[string][]SimilarityEdge)
	}
	if s.communities == nil {
		s.communities = make(map[string]*TrackCommunity)
	}

	return nil
}

// Save persists the in-memory cache to dataPath as indented JSON, creating
// the containing directory if needed.
func (s *FeatureStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := struct {
		Features    map[string]*StoredFeatures   `json:"features"`
		Edges       map[string][]SimilarityEdge  `json:"edges"`
		Communities map[string]*TrackCommunity   `json:"communities"`
		CommunityInfo []CommunityInfo            `json:"communityInfo"`
	}{
		Features:    s.features,
		Edges:       s.edges,
		Communities: s.communities,
		CommunityInfo: s.communityInfo,
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(s.dataPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	if err := os.WriteFile(s.dataPath, data, 0600); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	return nil
}

// StoreFeatures records the extracted AudioFeatures for trackPath, stamping
// it with the schema version and source-file hash and replacing any
// earlier entry for that path.
func (s *FeatureStore) StoreFeatures(trackPath string, features *AudioFeatures, version int, fileHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.features[trackPath] = &StoredFeatures{
		Features:   features,
		Version:    version,
		AnalyzedAt: unixNow(),
		FileHash:   fileHash,
	}
}

// GetFeatures returns the cached entry for trackPath, if any.
func (s *FeatureStore) GetFeatures(trackPath string) (*StoredFeatures, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.features[trackPath]
	return f, ok
}

// HasFeatures reports whether trackPath has a cached entry at schema
// version minVersion or newer.
func (s *FeatureStore) HasFeatures(trackPath string, minVersion int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.features[trackPath]
	return ok && f.Version >= minVersion
}

// GetAllFeatures returns a snapshot copy of every cached entry, keyed by
// track path.
func (s *FeatureStore) GetAllFeatures() map[string]*StoredFeatures {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*StoredFeatures, len(s.features))
	for k, v := range s.features {
		result[k] = v
	}
	return result
}

// GetAnalyzedCount returns how many tracks currently have cached features.
func (s *FeatureStore) GetAnalyzedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.features)
}

// StoreSimilarityEdges replaces trackPath's outgoing similarity edges.
func (s *FeatureStore) StoreSimilarityEdges(trackPath string, edges []SimilarityEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[trackPath] = edges
}

// GetSimilarTracks returns up to limit of trackPath's stored similarity
// edges, in whatever order StoreSimilarityEdges last wrote them (callers
// that need ranked order must sort before storing).
func (s *FeatureStore) GetSimilarTracks(trackPath string, limit int) []SimilarityEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges, ok := s.edges[trackPath]
	if !ok {
		return nil
	}

	if len(edges) <= limit {
		return edges
	}
	return edges[:limit]
}

// StoreCommunity records trackPath's community assignment.
func (s *FeatureStore) StoreCommunity(trackPath string, community *TrackCommunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities[trackPath] = community
}

// GetCommunity returns trackPath's community assignment, if any.
func (s *FeatureStore) GetCommunity(trackPath string) (*TrackCommunity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.communities[trackPath]
	return c, ok
}

// StoreCommunityInfo replaces the whole community summary list, overwriting
// whatever the previous clustering run produced.
func (s *FeatureStore) StoreCommunityInfo(info []CommunityInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communityInfo = info
}

// GetCommunities returns the most recently stored community summaries.
func (s *FeatureStore) GetCommunities() []CommunityInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.communityInfo
}

// GetTracksInCommunity returns every track path currently assigned to
// communityID.
func (s *FeatureStore) GetTracksInCommunity(communityID int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tracks []string
	for path, c := range s.communities {
		if c.CommunityID == communityID {
			tracks = append(tracks, path)
		}
	}
	return tracks
}

// GetBridgeTracks returns every track whose bridge score meets minScore —
// tracks that connect strongly across community boundaries rather than
// sitting entirely inside one.
func (s *FeatureStore) GetBridgeTracks(minScore float32) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tracks []string
	for path, c := range s.communities {
		if c.BridgeScore >= minScore {
			tracks = append(tracks, path)
		}
	}
	return tracks
}

// ClearAll drops every cached entry, edge, and community assignment,
// leaving the store as if newly created (callers still need to Save to
// persist the reset to disk).
func (s *FeatureStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.features = make(map[string]*StoredFeatures)
	s.edges = make(map[string][]SimilarityEdge)
	s.communities = make(map[string]*TrackCommunity)
	s.communityInfo = nil
}

func unixNow() int64 {
	return time.Now().Unix()
}
