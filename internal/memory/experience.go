package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marlowbot/marlow/internal/bus"
)

// Experience outcome values.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// Tuning constants for the experience ranking engine. The numeric
// values carry no derivation; they are kept overridable here rather
// than scattered through the code.
const (
	// DefaultQuality is assigned when a caller passes no quality.
	DefaultQuality = 3
	// MinQuality and MaxQuality bound quality after every mutation.
	MinQuality = 1
	MaxQuality = 5
	// DecayRate is the per-day exponential decay constant
	// (half-life of roughly 35 days).
	DecayRate = 0.02
	// CandidateMultiplier controls how many candidates are gathered
	// per requested result during search.
	CandidateMultiplier = 5
	// ReuseOverlapThreshold is the keyword-overlap ratio at which a
	// record counts as reused by a task.
	ReuseOverlapThreshold = 0.4
	// DeprecateOverlapThreshold is the keyword-overlap ratio at which
	// a record is deprecated after a failed task.
	DeprecateOverlapThreshold = 0.5
	// ReuseMinUses is the use count after which quality is recomputed
	// from confidence.
	ReuseMinUses = 3
	// HighConfidence and LowConfidence bound the quality adjustment
	// during reinforcement.
	HighConfidence = 0.8
	LowConfidence  = 0.4
	// MergeGroupMin is the category size that makes a group
	// merge-eligible; MergeBatchMax caps how many records a single
	// merge consumes.
	MergeGroupMin = 3
	MergeBatchMax = 6
	// MaxDeprecatedAgeDays and MaxLowQualityAgeDays are the cleanup
	// retention windows.
	MaxDeprecatedAgeDays = 30
	MaxLowQualityAgeDays = 90
	// unparsedAgeDays stands in for records whose timestamp cannot be
	// read, so malformed records neither linger nor vanish at once.
	unparsedAgeDays = 30
)

// Result prefixes used by SearchExperience.
const (
	conflictMarker = "⚡ CONFLICTING: "
	warningMarker  = "⚠️ WARNING: "
)

// deprecatedPrefix marks a record as unreliable without deleting it.
const deprecatedPrefix = "[Deprecated] "

// validCategories is the closed category set; anything else is folded
// into "general".
var validCategories = map[string]struct{}{
	"coding":   {},
	"search":   {},
	"file":     {},
	"config":   {},
	"analysis": {},
	"general":  {},
}

// Experience is one stored task lesson.
type Experience struct {
	Key        string
	Task       string
	Outcome    string
	Category   string
	Quality    int
	Uses       int
	Successes  int
	Lessons    string
	Keywords   []string
	Trace      string
	Deprecated bool
	// UpdatedAt is zero when the stored timestamp could not be parsed.
	UpdatedAt time.Time
}

// Confidence is the record's reuse success ratio. Records with fewer
// than two uses get an optimistic 1.0 so unproven lessons still rank.
func (e Experience) Confidence() float64 {
	if e.Uses < 2 {
		return 1.0
	}
	return float64(e.Successes) / float64(e.Uses)
}

// Score is the retrieval rank: quality decayed by age and weighted by
// confidence.
func (e Experience) Score(now time.Time) float64 {
	return float64(e.Quality) * math.Exp(-DecayRate*e.ageDays(now)) * e.Confidence()
}

func (e Experience) ageDays(now time.Time) float64 {
	if e.UpdatedAt.IsZero() {
		return unparsedAgeDays
	}
	return now.Sub(e.UpdatedAt).Hours() / 24
}

// matchKeywords returns the keyword set used for overlap matching:
// the stored keywords when present, otherwise keywords derived from
// the task text.
func (e Experience) matchKeywords() []string {
	if len(e.Keywords) > 0 {
		return e.Keywords
	}
	return ExtractKeywords(e.Task)
}

func clampQuality(q int) int {
	if q < MinQuality {
		return MinQuality
	}
	if q > MaxQuality {
		return MaxQuality
	}
	return q
}

func normalizeCategory(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if _, ok := validCategories[category]; !ok {
		return "general"
	}
	return category
}

func isDeprecated(content string) bool {
	return strings.HasPrefix(content, deprecatedPrefix)
}

// formatExperience renders the record's storage form, one tagged field
// per line. Keywords and Trace are omitted when empty.
func formatExperience(e Experience) string {
	var b strings.Builder
	if e.Deprecated {
		b.WriteString(deprecatedPrefix)
	}
	fmt.Fprintf(&b, "[Task] %s\n", e.Task)
	fmt.Fprintf(&b, "[Outcome] %s\n", e.Outcome)
	fmt.Fprintf(&b, "[Category] %s\n", e.Category)
	fmt.Fprintf(&b, "[Quality] %d\n", e.Quality)
	fmt.Fprintf(&b, "[Uses] %d\n", e.Uses)
	fmt.Fprintf(&b, "[Successes] %d\n", e.Successes)
	fmt.Fprintf(&b, "[Lessons] %s", e.Lessons)
	if len(e.Keywords) > 0 {
		fmt.Fprintf(&b, "\n[Keywords] %s", strings.Join(e.Keywords, ", "))
	}
	if e.Trace != "" {
		fmt.Fprintf(&b, "\n[Trace] %s", e.Trace)
	}
	return b.String()
}

// parseExperience reads the tagged-field storage form back into a
// record. Unknown lines extend the preceding field, so multi-line
// lessons and traces survive a round trip.
func parseExperience(key, content string, updatedAt time.Time) Experience {
	e := Experience{Key: key, UpdatedAt: updatedAt, Quality: DefaultQuality, Category: "general"}
	if isDeprecated(content) {
		e.Deprecated = true
		content = strings.TrimPrefix(content, deprecatedPrefix)
	}

	setField := func(field, value string) {
		value = strings.TrimSpace(value)
		switch field {
		case "Task":
			e.Task = value
		case "Outcome":
			e.Outcome = value
		case "Category":
			e.Category = normalizeCategory(value)
		case "Quality":
			if n, err := strconv.Atoi(value); err == nil {
				e.Quality = clampQuality(n)
			}
		case "Uses":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				e.Uses = n
			}
		case "Successes":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				e.Successes = n
			}
		case "Lessons":
			e.Lessons = value
		case "Keywords":
			for _, k := range strings.Split(value, ",") {
				if k = strings.TrimSpace(k); k != "" {
					e.Keywords = append(e.Keywords, strings.ToLower(k))
				}
			}
		case "Trace":
			e.Trace = value
		}
	}

	field := ""
	var buf []string
	flush := func() {
		if field != "" {
			setField(field, strings.Join(buf, "\n"))
		}
		buf = buf[:0]
	}
	for _, line := range strings.Split(content, "\n") {
		if name, rest, ok := fieldTag(line); ok {
			flush()
			field = name
			buf = append(buf, rest)
			continue
		}
		buf = append(buf, line)
	}
	flush()

	if e.Successes > e.Uses {
		e.Successes = e.Uses
	}
	return e
}

// fieldTag splits a "[Name] rest" line into its field name and value.
func fieldTag(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "[") {
		return "", "", false
	}
	end := strings.Index(line, "] ")
	closing := strings.Index(line, "]")
	if end < 0 && closing == len(line)-1 {
		end = closing
	}
	if end < 1 {
		return "", "", false
	}
	name := line[1:end]
	switch name {
	case "Task", "Outcome", "Category", "Quality", "Uses", "Successes", "Lessons", "Keywords", "Trace":
		rest := ""
		if end+2 <= len(line) {
			rest = line[end+2:]
		}
		return name, rest, true
	}
	return "", "", false
}

// ExperienceInput is the caller-facing shape for new experience
// records. Zero values take defaults: quality 3, category "general",
// keywords derived from the task.
type ExperienceInput struct {
	Task     string
	Outcome  string
	Lessons  string
	Quality  int
	Category string
	Keywords []string
	Trace    string
}

// AppendExperience stores a new experience record and returns its key.
// Existing records are never mutated by this path.
func (s *Store) AppendExperience(ctx context.Context, in ExperienceInput) string {
	quality := in.Quality
	if quality == 0 {
		quality = DefaultQuality
	}
	keywords := in.Keywords
	if len(keywords) == 0 {
		keywords = ExtractKeywords(in.Task)
	}
	for i, k := range keywords {
		keywords[i] = strings.ToLower(strings.TrimSpace(k))
	}

	e := Experience{
		Key:      "exp_" + s.newKey(),
		Task:     in.Task,
		Outcome:  normalizeOutcome(in.Outcome),
		Category: normalizeCategory(in.Category),
		Quality:  clampQuality(quality),
		Lessons:  in.Lessons,
		Keywords: keywords,
		Trace:    in.Trace,
	}
	if err := s.upsert(ctx, e.Key, formatExperience(e), typeExperience); err != nil {
		s.logger.Warn("append experience", "error", err)
		return ""
	}
	s.logger.Debug("experience recorded", "key", e.Key, "category", e.Category, "outcome", e.Outcome)
	s.publish(bus.KindExperienceRecorded, map[string]any{"key": e.Key, "category": e.Category})
	return e.Key
}

func normalizeOutcome(outcome string) string {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case OutcomeFailed:
		return OutcomeFailed
	case OutcomePartial:
		return OutcomePartial
	default:
		return OutcomeSuccess
	}
}

// loadExperiences reads and parses every experience record.
func (s *Store) loadExperiences(ctx context.Context) []Experience {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, content, updated_at FROM records WHERE type = ?`, typeExperience)
	if err != nil {
		s.logger.Warn("load experiences", "error", err)
		return nil
	}
	defer rows.Close()

	var out []Experience
	for rows.Next() {
		var key, content, rawTime string
		if err := rows.Scan(&key, &content, &rawTime); err != nil {
			continue
		}
		updatedAt, _ := time.Parse(time.RFC3339, rawTime)
		out = append(out, parseExperience(key, content, updatedAt))
	}
	return out
}

func (s *Store) saveExperience(ctx context.Context, e Experience) error {
	return s.upsert(ctx, e.Key, formatExperience(e), typeExperience)
}

// scoredExperience pairs a record with its rank for one search.
type scoredExperience struct {
	exp   Experience
	score float64
}

// SearchExperience ranks stored lessons against the query and returns
// up to limit rendered entries. Successful and partial outcomes fill
// up to limit-1 slots; when a category contributes entries with
// different outcomes the later entry carries a conflict marker. The
// highest-scoring failed-outcome record, if any exists, is appended
// last with a warning marker.
func (s *Store) SearchExperience(ctx context.Context, query string, limit int) []string {
	if limit <= 0 {
		limit = 5
	}
	candidates := s.candidateExperiences(ctx, query, limit*CandidateMultiplier)
	if len(candidates) == 0 {
		return nil
	}

	now := time.Now()
	var positive, warning []scoredExperience
	for _, e := range candidates {
		if e.Deprecated {
			continue
		}
		se := scoredExperience{exp: e, score: e.Score(now)}
		if e.Outcome == OutcomeFailed {
			warning = append(warning, se)
		} else {
			positive = append(positive, se)
		}
	}
	sort.SliceStable(positive, func(i, j int) bool { return positive[i].score > positive[j].score })
	sort.SliceStable(warning, func(i, j int) bool { return warning[i].score > warning[j].score })

	// Conflict detection compares against the most recently seen
	// outcome per category, not the full outcome history.
	seenOutcome := make(map[string]string)
	var results []string
	for _, se := range positive {
		if len(results) >= limit-1 {
			break
		}
		line := renderExperience(se.exp)
		if prev, ok := seenOutcome[se.exp.Category]; ok && prev != se.exp.Outcome {
			line = conflictMarker + line
		}
		seenOutcome[se.exp.Category] = se.exp.Outcome
		results = append(results, line)
	}
	if len(warning) > 0 && len(results) < limit {
		results = append(results, warningMarker+renderExperience(warning[0].exp))
	}
	return results
}

// candidateExperiences gathers up to n loosely matching records,
// semantically when available, by keyword hits otherwise.
func (s *Store) candidateExperiences(ctx context.Context, query string, n int) []Experience {
	all := s.loadExperiences(ctx)
	if len(all) == 0 {
		return nil
	}

	if s.semantic {
		if ranked := s.rankSemantic(ctx, query, all, n); ranked != nil {
			return ranked
		}
	}

	keywords := ExtractKeywords(query)
	if len(keywords) == 0 {
		return nil
	}
	var scored []scoredExperience
	for _, e := range all {
		hits := keywordHits(formatExperience(e), keywords)
		if hits > 0 {
			scored = append(scored, scoredExperience{exp: e, score: float64(hits)})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > n {
		scored = scored[:n]
	}
	out := make([]Experience, 0, len(scored))
	for _, se := range scored {
		out = append(out, se.exp)
	}
	return out
}

// rankSemantic orders experiences by cosine similarity to the query.
// Returns nil on any failure so keyword ranking can take over.
func (s *Store) rankSemantic(ctx context.Context, query string, all []Experience, n int) []Experience {
	queryVec, err := s.embedder.Generate(ctx, query)
	if err != nil || len(queryVec) == 0 {
		s.logger.Warn("embed query", "error", err)
		return nil
	}

	byKey := make(map[string]Experience, len(all))
	keys := make([]any, 0, len(all))
	placeholders := make([]string, 0, len(all))
	for _, e := range all {
		byKey[e.Key] = e
		keys = append(keys, e.Key)
		placeholders = append(placeholders, "?")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, embedding FROM vectors WHERE key IN (`+strings.Join(placeholders, ",")+`)`, keys...)
	if err != nil {
		s.logger.Warn("load vectors", "error", err)
		return nil
	}
	defer rows.Close()

	type pair struct {
		exp Experience
		sim float64
	}
	var pairs []pair
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			continue
		}
		vec, err := decodeVector(raw)
		if err != nil {
			continue
		}
		pairs = append(pairs, pair{exp: byKey[key], sim: cosine(queryVec, vec)})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].sim > pairs[j].sim })
	if len(pairs) > n {
		pairs = pairs[:n]
	}
	out := make([]Experience, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.exp)
	}
	return out
}

// renderExperience is the retrieval presentation of a record: compact
// enough for prompt injection, complete enough to act on.
func renderExperience(e Experience) string {
	line := fmt.Sprintf("[%s/%s] %s", e.Category, e.Outcome, e.Task)
	if e.Lessons != "" {
		line += ". Lessons: " + e.Lessons
	}
	return line
}

// RecordReuse reinforces every active record whose keywords overlap
// the task by at least ReuseOverlapThreshold: uses is incremented,
// successes too when the task succeeded, and once a record has
// ReuseMinUses uses its quality is recomputed from confidence.
// Returns the number of records touched.
func (s *Store) RecordReuse(ctx context.Context, task string, success bool) int {
	taskKeywords := ExtractKeywords(task)
	if len(taskKeywords) == 0 {
		return 0
	}

	count := 0
	for _, e := range s.loadExperiences(ctx) {
		if e.Deprecated {
			continue
		}
		if overlapRatio(taskKeywords, e.matchKeywords()) < ReuseOverlapThreshold {
			continue
		}
		e.Uses++
		if success {
			e.Successes++
		}
		if e.Uses >= ReuseMinUses {
			switch conf := e.Confidence(); {
			case conf >= HighConfidence:
				e.Quality = clampQuality(e.Quality + 1)
			case conf < LowConfidence:
				e.Quality = clampQuality(e.Quality - 1)
			}
		}
		if err := s.saveExperience(ctx, e); err != nil {
			s.logger.Warn("record reuse", "key", e.Key, "error", err)
			continue
		}
		count++
	}
	return count
}

// DeprecateSimilar marks every active record whose keywords overlap
// the failed task by at least DeprecateOverlapThreshold. Deprecated
// records stop contributing to positive search results but stay on
// disk until cleanup. Returns the number of records deprecated.
func (s *Store) DeprecateSimilar(ctx context.Context, task string) int {
	taskKeywords := ExtractKeywords(task)
	if len(taskKeywords) == 0 {
		return 0
	}

	count := 0
	for _, e := range s.loadExperiences(ctx) {
		if e.Deprecated {
			continue
		}
		if overlapRatio(taskKeywords, e.matchKeywords()) < DeprecateOverlapThreshold {
			continue
		}
		e.Deprecated = true
		if err := s.saveExperience(ctx, e); err != nil {
			s.logger.Warn("deprecate experience", "key", e.Key, "error", err)
			continue
		}
		count++
	}
	return count
}

// BoostExperience adjusts quality by delta on every active record
// whose keywords overlap the task by at least ReuseOverlapThreshold,
// clamped to the valid range. Returns the number of records adjusted.
func (s *Store) BoostExperience(ctx context.Context, task string, delta int) int {
	taskKeywords := ExtractKeywords(task)
	if len(taskKeywords) == 0 || delta == 0 {
		return 0
	}

	count := 0
	for _, e := range s.loadExperiences(ctx) {
		if e.Deprecated {
			continue
		}
		if overlapRatio(taskKeywords, e.matchKeywords()) < ReuseOverlapThreshold {
			continue
		}
		boosted := clampQuality(e.Quality + delta)
		if boosted == e.Quality {
			continue
		}
		e.Quality = boosted
		if err := s.saveExperience(ctx, e); err != nil {
			s.logger.Warn("boost experience", "key", e.Key, "error", err)
			continue
		}
		count++
	}
	return count
}

// MergeCandidates groups active records by category and returns every
// group with at least minCount members (MergeGroupMin when minCount
// is zero or negative), each capped at MergeBatchMax oldest-first
// records. Groups come back in category order for deterministic
// processing.
func (s *Store) MergeCandidates(ctx context.Context, minCount int) [][]Experience {
	if minCount <= 0 {
		minCount = MergeGroupMin
	}

	byCategory := make(map[string][]Experience)
	for _, e := range s.loadExperiences(ctx) {
		if e.Deprecated {
			continue
		}
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}

	categories := make([]string, 0, len(byCategory))
	for cat, group := range byCategory {
		if len(group) >= minCount {
			categories = append(categories, cat)
		}
	}
	sort.Strings(categories)

	var groups [][]Experience
	for _, cat := range categories {
		group := byCategory[cat]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].UpdatedAt.Before(group[j].UpdatedAt)
		})
		if len(group) > MergeBatchMax {
			group = group[:MergeBatchMax]
		}
		groups = append(groups, group)
	}
	return groups
}

// ReplaceMerged deletes the originals and inserts exactly one merged
// record in their place, inside a single transaction. The merged
// record is forced to a successful outcome at maximum quality with
// fresh counters, since it distills a proven pattern.
func (s *Store) ReplaceMerged(ctx context.Context, oldKeys []string, merged ExperienceInput) error {
	if len(oldKeys) == 0 {
		return fmt.Errorf("no records to merge")
	}

	e := Experience{
		Key:      "exp_" + s.newKey(),
		Task:     merged.Task,
		Outcome:  OutcomeSuccess,
		Category: normalizeCategory(merged.Category),
		Quality:  MaxQuality,
		Lessons:  merged.Lessons,
		Keywords: merged.Keywords,
	}
	if len(e.Keywords) == 0 {
		e.Keywords = ExtractKeywords(merged.Task)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range oldKeys {
		if err := s.deleteRecord(ctx, tx, key); err != nil {
			return fmt.Errorf("delete merged original %s: %w", key, err)
		}
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (key, content, type, updated_at) VALUES (?, ?, ?, ?)
	`, e.Key, formatExperience(e), typeExperience, now)
	if err != nil {
		return fmt.Errorf("insert merged record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}

	s.storeVector(ctx, e.Key, formatExperience(e))
	s.logger.Info("experiences merged", "originals", len(oldKeys), "category", e.Category)
	s.publish(bus.KindExperienceMerged, map[string]any{"originals": len(oldKeys), "merged": e.Key})
	return nil
}

// CleanupStale removes records that are deprecated and older than
// maxDeprecatedDays, or at minimum quality and older than
// maxLowQualityDays (defaults 30 and 90). A record whose timestamp
// cannot be read counts as 30 days old. Returns the number removed.
func (s *Store) CleanupStale(ctx context.Context, maxDeprecatedDays, maxLowQualityDays int) int {
	if maxDeprecatedDays <= 0 {
		maxDeprecatedDays = MaxDeprecatedAgeDays
	}
	if maxLowQualityDays <= 0 {
		maxLowQualityDays = MaxLowQualityAgeDays
	}

	now := time.Now()
	var stale []string
	for _, e := range s.loadExperiences(ctx) {
		age := e.ageDays(now)
		if (e.Deprecated && age > float64(maxDeprecatedDays)) ||
			(e.Quality <= MinQuality && age > float64(maxLowQualityDays)) {
			stale = append(stale, e.Key)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn("cleanup begin", "error", err)
		return 0
	}
	defer func() { _ = tx.Rollback() }()
	for _, key := range stale {
		if err := s.deleteRecord(ctx, tx, key); err != nil {
			s.logger.Warn("cleanup delete", "key", key, "error", err)
			return 0
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("cleanup commit", "error", err)
		return 0
	}

	s.logger.Info("stale experiences removed", "count", len(stale))
	s.publish(bus.KindExperienceCleanup, map[string]any{"removed": len(stale)})
	return len(stale)
}

// CountExperiences returns the number of stored experience records,
// deprecated ones included.
func (s *Store) CountExperiences(ctx context.Context) int {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE type = ?`, typeExperience).Scan(&n)
	if err != nil {
		s.logger.Warn("count experiences", "error", err)
		return 0
	}
	return n
}
