// Package eval runs a question benchmark through the answer pipeline and
// summarizes the results per course.
package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/pkg/rag"
	"github.com/xhad/handbookqa/pkg/retry"
)

// FailedAnswer is recorded when a case could not be answered after all retries.
const FailedAnswer = "ERROR: Failed to get response"

// Case is one benchmark entry.
type Case struct {
	UserInput        string `json:"user_input"`
	ExpectedResponse string `json:"expected_response"`
	Course           string `json:"course"`
}

// Record is the outcome of one case.
type Record struct {
	Question    string   `json:"question"`
	GroundTruth string   `json:"ground_truth"`
	Course      string   `json:"course"`
	Answer      string   `json:"answer"`
	Contexts    []string `json:"contexts"`
	NoContext   bool     `json:"no_context"`
	Error       string   `json:"error,omitempty"`
	TokenRecall float64  `json:"token_recall"`
}

type Metrics struct {
	Cases         int     `json:"cases"`
	Answered      int     `json:"answered"`
	Errors        int     `json:"errors"`
	NoContext     int     `json:"no_context"`
	AnsweredRate  float64 `json:"answered_rate"`
	NoContextRate float64 `json:"no_context_rate"`
	MeanContexts  float64 `json:"mean_contexts"`
	TokenRecall   float64 `json:"token_recall"`
}

type Report struct {
	Overall Metrics            `json:"overall_metrics"`
	Courses map[string]Metrics `json:"course_specific_metrics"`
	Records []Record           `json:"detailed_results"`
}

// Answerer is satisfied by *rag.Pipeline.
type Answerer interface {
	Answer(ctx context.Context, req rag.Request) (*rag.Answer, error)
}

type Config struct {
	// RequestsPerMinute paces cases. Zero disables pacing.
	RequestsPerMinute float64
	Retry             retry.Policy
	// ProgressPath, when set, is rewritten after every case and read back on
	// start so an interrupted run resumes where it stopped.
	ProgressPath string
	OnProgress   func(done, total int, record Record)
}

type Runner struct {
	answerer Answerer
	config   Config
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func NewRunner(answerer Answerer, config Config, logger *zap.Logger) *Runner {
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.NoRetry
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/config.RequestsPerMinute)), 1)
	}
	return &Runner{
		answerer: answerer,
		config:   config,
		limiter:  limiter,
		logger:   logging.OrNop(logger),
	}
}

func LoadBenchmark(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read benchmark: %w", err)
	}
	var cases []Case
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("failed to parse benchmark %s: %w", path, err)
	}
	for i, c := range cases {
		if strings.TrimSpace(c.UserInput) == "" || c.Course == "" {
			return nil, fmt.Errorf("benchmark case %d: user_input and course are required", i)
		}
	}
	return cases, nil
}

// Run answers every case with an empty history. Cases that fail after all
// retries are recorded with FailedAnswer and do not stop the run.
func (r *Runner) Run(ctx context.Context, cases []Case) (*Report, error) {
	records, err := r.loadProgress()
	if err != nil {
		return nil, err
	}
	if len(records) > len(cases) {
		records = records[:len(cases)]
	}
	if len(records) > 0 {
		r.logger.Info("resuming evaluation", zap.Int("completed", len(records)), zap.Int("total", len(cases)))
	}

	for i := len(records); i < len(cases); i++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		record := r.runCase(ctx, cases[i])
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		records = append(records, record)

		if err := r.saveProgress(records); err != nil {
			return nil, err
		}
		if r.config.OnProgress != nil {
			r.config.OnProgress(i+1, len(cases), record)
		}
	}

	report := Summarize(records)
	return &report, nil
}

func (r *Runner) runCase(ctx context.Context, c Case) Record {
	record := Record{
		Question:    c.UserInput,
		GroundTruth: c.ExpectedResponse,
		Course:      c.Course,
		Contexts:    []string{},
	}

	answer, err := retry.Value(ctx, r.config.Retry, func(ctx context.Context) (*rag.Answer, error) {
		return r.answerer.Answer(ctx, rag.Request{
			Message:      c.UserInput,
			Course:       c.Course,
			WithContexts: true,
		})
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			r.logger.Warn("case failed after retries", zap.Int("attempts", exhausted.Attempts), zap.String("question", c.UserInput), zap.Error(err))
		} else {
			r.logger.Warn("case failed", zap.String("question", c.UserInput), zap.Error(err))
		}
		record.Answer = FailedAnswer
		record.Error = err.Error()
		return record
	}

	record.Answer = answer.Text
	record.NoContext = answer.NoContext
	if answer.Contexts != nil {
		record.Contexts = answer.Contexts
	}
	record.TokenRecall = TokenRecall(c.ExpectedResponse, answer.Text)
	return record
}

func (r *Runner) loadProgress() ([]Record, error) {
	if r.config.ProgressPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.config.ProgressPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress file: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse progress file %s: %w", r.config.ProgressPath, err)
	}
	return records, nil
}

func (r *Runner) saveProgress(records []Record) error {
	if r.config.ProgressPath == "" {
		return nil
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.config.ProgressPath, data, 0644); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// Summarize computes per-course metrics and an overall row. Overall rates are
// the mean of the per-course rates, so each course weighs the same.
func Summarize(records []Record) Report {
	byCourse := make(map[string][]Record)
	for _, rec := range records {
		byCourse[rec.Course] = append(byCourse[rec.Course], rec)
	}

	report := Report{
		Courses: make(map[string]Metrics, len(byCourse)),
		Records: records,
	}
	if report.Records == nil {
		report.Records = []Record{}
	}

	for course, recs := range byCourse {
		report.Courses[course] = metrics(recs)
	}

	courses := CourseNames(report)
	var overall Metrics
	for _, course := range courses {
		m := report.Courses[course]
		overall.Cases += m.Cases
		overall.Answered += m.Answered
		overall.Errors += m.Errors
		overall.NoContext += m.NoContext
		overall.AnsweredRate += m.AnsweredRate
		overall.NoContextRate += m.NoContextRate
		overall.MeanContexts += m.MeanContexts
		overall.TokenRecall += m.TokenRecall
	}
	if n := float64(len(courses)); n > 0 {
		overall.AnsweredRate /= n
		overall.NoContextRate /= n
		overall.MeanContexts /= n
		overall.TokenRecall /= n
	}
	report.Overall = overall
	return report
}

func metrics(records []Record) Metrics {
	m := Metrics{Cases: len(records)}
	var contexts int
	var recall float64
	for _, rec := range records {
		if rec.Error != "" {
			m.Errors++
			continue
		}
		m.Answered++
		contexts += len(rec.Contexts)
		recall += rec.TokenRecall
		if rec.NoContext {
			m.NoContext++
		}
	}
	if m.Cases > 0 {
		m.AnsweredRate = float64(m.Answered) / float64(m.Cases)
	}
	if m.Answered > 0 {
		m.NoContextRate = float64(m.NoContext) / float64(m.Answered)
		m.MeanContexts = float64(contexts) / float64(m.Answered)
		m.TokenRecall = recall / float64(m.Answered)
	}
	return m
}

// CourseNames returns the report's courses in sorted order.
func CourseNames(report Report) []string {
	names := make([]string, 0, len(report.Courses))
	for name := range report.Courses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TokenRecall is the share of distinct expected words that appear in answer.
func TokenRecall(expected, answer string) float64 {
	want := tokens(expected)
	if len(want) == 0 {
		return 0
	}
	got := tokens(answer)
	var hit int
	for tok := range want {
		if _, ok := got[tok]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(want))
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[f] = struct{}{}
	}
	return out
}

func WriteJSON(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
