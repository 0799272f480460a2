package playbook

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rand/asc/pkg/models"
)

const (
	// SimilarityThreshold is the Jaccard similarity of context word sets
	// above which two lessons of the same type are merged.
	SimilarityThreshold = 0.6
	// TypeMatchMultiplier boosts lessons whose type matches the task.
	TypeMatchMultiplier = 1.5
	// KeywordBonus is added per word shared by the description and lesson context.
	KeywordBonus = 0.1
	// MergeBump is added to a lesson's score each time a similar lesson is merged in.
	MergeBump = 0.1
	// DecayFactor is applied to every score on each curation pass.
	DecayFactor = 0.99
	// MaxRelevance caps relevance scores.
	MaxRelevance = 2.0
	// InitialRelevance is the score of a freshly recorded lesson.
	InitialRelevance = 1.0

	DefaultMaxLessons = 100
	DefaultTopK       = 5

	recordVersion = 1
	learnedSep    = " | "
)

// Options configures a Store
type Options struct {
	MaxLessons int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the per-agent lesson collection. It is safe for concurrent use;
// mutations are serialized and persisted before the call returns.
type Store struct {
	mu         sync.RWMutex
	agent      string
	maxLessons int
	lessons    []models.Lesson
	storage    Storage
	now        func() time.Time
}

// NewStore creates a store for agent and loads its playbook from storage.
// Any load failure leaves the store empty but usable.
func NewStore(ctx context.Context, agent string, storage Storage, opts Options) *Store {
	if opts.MaxLessons <= 0 {
		opts.MaxLessons = DefaultMaxLessons
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		agent:      agent,
		maxLessons: opts.MaxLessons,
		storage:    storage,
		now:        opts.Now,
	}

	if storage == nil {
		return s
	}
	rec, err := storage.Load(ctx, agent)
	switch {
	case err != nil:
		log.Printf("[Playbook] Failed to load playbook for %s, starting empty: %v", agent, err)
	case rec == nil:
		log.Printf("[Playbook] No playbook found for %s, starting fresh", agent)
	default:
		s.lessons = rec.Lessons
		log.Printf("[Playbook] Loaded %d lessons for %s", len(s.lessons), agent)
	}
	return s
}

// Agent returns the owning agent's name
func (s *Store) Agent() string {
	return s.agent
}

// Len returns the number of stored lessons
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lessons)
}

// Lessons returns a snapshot of the stored lessons in store order
func (s *Store) Lessons() []models.Lesson {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Lesson, len(s.lessons))
	copy(out, s.lessons)
	return out
}

// Score computes a lesson's relevance given the task's category and description words.
func Score(l models.Lesson, taskType string, descWords map[string]struct{}) float64 {
	score := l.RelevanceScore
	if l.TaskType == taskType {
		score *= TypeMatchMultiplier
	}
	return score + KeywordBonus*float64(sharedWords(descWords, wordSet(l.Context)))
}

// Retrieve returns up to k lessons ordered by descending relevance to the
// task. Ties keep store order. k <= 0 means DefaultTopK.
func (s *Store) Retrieve(phase, description string, k int) []models.Lesson {
	if k <= 0 {
		k = DefaultTopK
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.lessons) == 0 {
		return nil
	}

	taskType := Categorize(phase, description)
	descWords := wordSet(description)

	type scored struct {
		score  float64
		lesson models.Lesson
	}
	ranked := make([]scored, len(s.lessons))
	for i, l := range s.lessons {
		ranked[i] = scored{Score(l, taskType, descWords), l}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]models.Lesson, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].lesson
	}
	log.Printf("[Playbook] Retrieved %d relevant lessons for %s phase", len(out), phase)
	return out
}

// BuildLesson derives a lesson from a finished task without storing it.
func (s *Store) BuildLesson(task models.Task, response, outcome string) models.Lesson {
	now := s.now()
	sum := md5.Sum([]byte(task.ID + task.Phase + now.Format(time.RFC3339Nano)))
	return models.Lesson{
		ID:             hex.EncodeToString(sum[:])[:12],
		Context:        fmt.Sprintf("Task in %s phase: %s", task.Phase, task.Title),
		Action:         fmt.Sprintf("Executed task with %d char response", len(response)),
		Outcome:        outcome,
		Learned:        KeyLearning(task, outcome),
		TaskType:       Categorize(task.Phase, task.Title),
		RelevanceScore: InitialRelevance,
		CreatedAt:      now.UTC(),
	}
}

// KeyLearning renders the takeaway for an outcome.
func KeyLearning(task models.Task, outcome string) string {
	switch {
	case outcome == models.OutcomeSuccess:
		return fmt.Sprintf("Successfully completed %s task: %s", task.Phase, task.Title)
	case strings.HasPrefix(outcome, "error"):
		msg := strings.TrimPrefix(outcome, models.OutcomeErrorPrefix)
		return fmt.Sprintf("Encountered error in %s: %s. Need better error handling.", task.Phase, msg)
	default:
		return fmt.Sprintf("Completed task with outcome: %s", outcome)
	}
}

// Record distills a lesson from a finished task, merges or appends it,
// curates, and persists. The stored (possibly merged) lesson is returned.
func (s *Store) Record(ctx context.Context, task models.Task, response, outcome string) (models.Lesson, error) {
	log.Printf("[Playbook] Reflecting on task %s", task.ID)
	return s.Add(ctx, s.BuildLesson(task, response, outcome))
}

// Add inserts a lesson with merge-on-insert, then curates and persists.
func (s *Store) Add(ctx context.Context, lesson models.Lesson) (models.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.insert(lesson)
	s.curate()
	// Curation may have moved or evicted the stored lesson
	for _, l := range s.lessons {
		if l.ID == stored {
			lesson = l
			break
		}
	}
	return lesson, s.save(ctx)
}

// insert merges into the first similar lesson or appends. It returns the
// ID of the lesson that now carries the insight. Caller holds s.mu.
func (s *Store) insert(lesson models.Lesson) string {
	newWords := wordSet(lesson.Context)
	for i := range s.lessons {
		existing := &s.lessons[i]
		if existing.TaskType != lesson.TaskType {
			continue
		}
		if jaccard(wordSet(existing.Context), newWords) <= SimilarityThreshold {
			continue
		}
		log.Printf("[Playbook] Lesson similar to %s, merging", existing.ID)
		mergeInto(existing, lesson)
		return existing.ID
	}
	s.lessons = append(s.lessons, lesson)
	log.Printf("[Playbook] Added new lesson %s", lesson.ID)
	return lesson.ID
}

func mergeInto(existing *models.Lesson, incoming models.Lesson) {
	existing.RelevanceScore += MergeBump
	if existing.RelevanceScore > MaxRelevance {
		existing.RelevanceScore = MaxRelevance
	}
	if !strings.Contains(existing.Learned, incoming.Learned) {
		existing.Learned += learnedSep + incoming.Learned
	}
}

// curate sorts by descending score, truncates to capacity, and decays every
// survivor. Caller holds s.mu.
func (s *Store) curate() {
	sort.SliceStable(s.lessons, func(i, j int) bool {
		return s.lessons[i].RelevanceScore > s.lessons[j].RelevanceScore
	})
	if len(s.lessons) > s.maxLessons {
		log.Printf("[Playbook] Pruned playbook to %d lessons", s.maxLessons)
		s.lessons = s.lessons[:s.maxLessons]
	}
	for i := range s.lessons {
		s.lessons[i].RelevanceScore *= DecayFactor
	}
}

// Prune runs a curation pass on demand and persists the result.
func (s *Store) Prune(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.curate()
	return s.save(ctx)
}

// save persists the whole playbook. Caller holds s.mu.
func (s *Store) save(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	lessons := make([]models.Lesson, len(s.lessons))
	copy(lessons, s.lessons)
	rec := &models.PlaybookRecord{
		Version:   recordVersion,
		AgentName: s.agent,
		UpdatedAt: s.now().UTC(),
		Lessons:   lessons,
	}
	if err := s.storage.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to save playbook: %w", err)
	}
	return nil
}

// Stats summarizes the playbook.
func (s *Store) Stats() models.PlaybookStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.PlaybookStats{ByType: map[string]int{}}
	if len(s.lessons) == 0 {
		return stats
	}
	var sum float64
	for _, l := range s.lessons {
		stats.ByType[l.TaskType]++
		sum += l.RelevanceScore
	}
	stats.TotalLessons = len(s.lessons)
	stats.AvgRelevance = math.Round(sum/float64(len(s.lessons))*100) / 100
	return stats
}
