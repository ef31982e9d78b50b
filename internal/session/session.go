package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raine/gemini-image-analyzer/internal/analysis"
	"github.com/raine/gemini-image-analyzer/internal/imagestore"
	"github.com/raine/gemini-image-analyzer/internal/llm"
	"github.com/raine/gemini-image-analyzer/internal/storage"
)

var (
	// ErrNoImage is returned when analysis is triggered without a selected image.
	ErrNoImage = errors.New("no image selected")
	// ErrBusy is returned when analysis is triggered while one is in flight.
	ErrBusy = errors.New("analysis already in progress")
	// ErrClosed is returned for operations on a stopped session.
	ErrClosed = errors.New("session closed")
)

type messageType string

const (
	msgSelectImage messageType = "select_image"
	msgClearImage  messageType = "clear_image"
	msgSetPrompt   messageType = "set_prompt"
	msgAnalyze     messageType = "analyze"
	msgResult      messageType = "analysis_result"
)

// sessionMessage is processed sequentially by the session worker.
type sessionMessage struct {
	Type messageType
	Done chan struct{} // Closed when processing is complete (for synchronous dispatch)

	// Message data (only one is set based on Type)
	Upload  imagestore.Upload
	Prompt  string
	Outcome *analysisOutcome

	// Filled in by the worker before Done is closed
	Image *imagestore.SelectedImage
	Err   error
}

// analysisOutcome carries a finished remote call back to the worker.
type analysisOutcome struct {
	Seq      uint64
	Image    *imagestore.SelectedImage
	Prompt   string
	Result   *llm.AnalysisResult
	Err      error
	Duration time.Duration
}

// Options holds the collaborators shared by all sessions.
type Options struct {
	Analyzer llm.Analyzer
	Previews *imagestore.PreviewRegistry
	Ledger   storage.Ledger // Optional
	Model    string         // Recorded in the ledger
	// BaseContext is the parent of every analysis call. Defaults to Background.
	BaseContext context.Context
}

// Session is one user's analysis session: one selected image, one prompt
// and one analysis state. Mutations run one at a time on the session worker.
type Session struct {
	id       string
	analyzer llm.Analyzer
	ledger   storage.Ledger
	model    string

	images  *imagestore.Store
	machine *analysis.Machine

	mu         sync.Mutex
	prompt     string
	lastActive time.Time

	// Worker channel for sequential message processing
	inbox    chan *sessionMessage
	stopped  chan struct{} // Closed when the worker exits
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.WaitGroup

	// Cancels the outstanding remote call. Only touched by the worker.
	cancelCall context.CancelFunc
}

// New creates a session and starts its worker.
func New(id string, opts Options) *Session {
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	previews := opts.Previews
	if previews == nil {
		previews = imagestore.NewPreviewRegistry()
	}

	ctx, cancel := context.WithCancel(base)
	s := &Session{
		id:         id,
		analyzer:   opts.Analyzer,
		ledger:     opts.Ledger,
		model:      opts.Model,
		images:     imagestore.NewStore(previews),
		machine:    analysis.NewMachine(),
		lastActive: time.Now(),
		inbox:      make(chan *sessionMessage, 16),
		stopped:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.runWorker()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// SelectImage replaces the selected image. On success the analysis state is
// reset to idle; a rejected file changes nothing.
func (s *Session) SelectImage(u imagestore.Upload) (*imagestore.SelectedImage, error) {
	msg := s.sendSync(&sessionMessage{Type: msgSelectImage, Upload: u})
	return msg.Image, msg.Err
}

// ClearImage drops the selected image and resets the analysis state.
func (s *Session) ClearImage() {
	s.sendSync(&sessionMessage{Type: msgClearImage})
}

// SetPrompt stores the prompt text.
func (s *Session) SetPrompt(prompt string) {
	s.sendSync(&sessionMessage{Type: msgSetPrompt, Prompt: prompt})
}

// Prompt returns the stored prompt text.
func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// Image returns the selected image, or nil.
func (s *Session) Image() *imagestore.SelectedImage {
	return s.images.Current()
}

// Analyze stores the prompt and starts analyzing the selected image. It
// returns ErrNoImage without touching the state when nothing is selected, and
// ErrBusy while a previous analysis is still running.
func (s *Session) Analyze(prompt string) error {
	msg := s.sendSync(&sessionMessage{Type: msgAnalyze, Prompt: prompt})
	return msg.Err
}

// State returns the current analysis state.
func (s *Session) State() analysis.State {
	return s.machine.State()
}

// Subscribe observes analysis state transitions.
func (s *Session) Subscribe() (<-chan analysis.State, func()) {
	return s.machine.Subscribe()
}

// Wait blocks until no analysis is in flight and returns the settled state.
func (s *Session) Wait(ctx context.Context) (analysis.State, error) {
	ch, cancel := s.machine.Subscribe()
	defer cancel()

	for {
		st := s.machine.State()
		if st.Status != analysis.StatusAnalyzing {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		case <-s.ctx.Done():
			return s.machine.State(), ErrClosed
		}
	}
}

// LastActive returns the time of the last user operation.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Close stops the worker, cancels any outstanding call and releases the
// preview of the selected image.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
	s.inflight.Wait()
	s.images.Close()
}

// runWorker is the main worker loop that processes messages sequentially.
func (s *Session) runWorker() {
	defer s.wg.Done()
	defer close(s.stopped)

	for {
		select {
		case <-s.ctx.Done():
			// Drain any remaining messages and signal completion
			for {
				select {
				case msg := <-s.inbox:
					if msg.Done != nil {
						msg.Err = ErrClosed
						close(msg.Done)
					}
				default:
					return
				}
			}
		case msg := <-s.inbox:
			s.processMessage(msg)
		}
	}
}

// processMessage handles a single message from the inbox.
func (s *Session) processMessage(msg *sessionMessage) {
	defer func() {
		// Recover from any panics to keep the worker running
		if r := recover(); r != nil {
			log.Error().
				Str("sessionId", s.id).
				Interface("panic", r).
				Msg("recovered from panic in session worker")
		}
		if msg.Done != nil {
			close(msg.Done)
		}
	}()

	switch msg.Type {
	case msgSelectImage:
		s.touch()
		msg.Image, msg.Err = s.images.Select(msg.Upload)
		if msg.Err != nil {
			log.Info().Str("sessionId", s.id).Err(msg.Err).Msg("image rejected")
			return
		}
		s.abortCall()
		s.machine.Reset()
	case msgClearImage:
		s.touch()
		s.images.Clear()
		s.abortCall()
		s.machine.Reset()
	case msgSetPrompt:
		s.touch()
		s.setPrompt(msg.Prompt)
	case msgAnalyze:
		s.touch()
		msg.Err = s.startAnalysis(msg.Prompt)
	case msgResult:
		s.applyOutcome(msg.Outcome)
	default:
		log.Warn().Str("sessionId", s.id).Str("type", string(msg.Type)).Msg("unknown session message")
	}
}

func (s *Session) setPrompt(prompt string) {
	s.mu.Lock()
	s.prompt = prompt
	s.mu.Unlock()
}

func (s *Session) startAnalysis(prompt string) error {
	s.setPrompt(prompt)

	img := s.images.Current()
	if img == nil {
		return ErrNoImage
	}

	seq, ok := s.machine.Begin()
	if !ok {
		return ErrBusy
	}

	log.Info().
		Str("sessionId", s.id).
		Uint64("seq", seq).
		Str("mimeType", img.MIMEType).
		Int("promptLength", len(prompt)).
		Msg("analysis started")

	callCtx, cancel := context.WithCancel(s.ctx)
	s.cancelCall = cancel

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		start := time.Now()
		result, err := s.analyze(callCtx, img, prompt)
		s.send(&sessionMessage{Type: msgResult, Outcome: &analysisOutcome{
			Seq:      seq,
			Image:    img,
			Prompt:   prompt,
			Result:   result,
			Err:      err,
			Duration: time.Since(start),
		}})
	}()
	return nil
}

// abortCall cancels the outstanding remote call, if any. Its outcome still
// arrives but carries a stale sequence number.
func (s *Session) abortCall() {
	if s.cancelCall != nil {
		s.cancelCall()
		s.cancelCall = nil
	}
}

func (s *Session) analyze(ctx context.Context, img *imagestore.SelectedImage, prompt string) (result *llm.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("sessionId", s.id).Interface("panic", r).Msg("recovered from panic in analyzer")
			err = errors.New("an unknown error occurred")
		}
	}()
	if s.analyzer == nil {
		return nil, llm.ErrMissingAPIKey
	}
	return s.analyzer.AnalyzeImage(ctx, img.Data, img.MIMEType, prompt)
}

func (s *Session) applyOutcome(o *analysisOutcome) {
	var applied bool
	if o.Err != nil {
		applied = s.machine.Reject(o.Seq, llm.ErrorMessage(o.Err))
	} else {
		applied = s.machine.Resolve(o.Seq, o.Result.Text)
	}

	log.Info().
		Str("sessionId", s.id).
		Uint64("seq", o.Seq).
		Bool("applied", applied).
		Bool("failed", o.Err != nil).
		Dur("duration", o.Duration).
		Msg("analysis settled")

	s.record(o)
}

// record writes the settled call to the ledger, if one is configured.
func (s *Session) record(o *analysisOutcome) {
	if s.ledger == nil {
		return
	}

	entry := &storage.LedgerEntry{
		SessionID:    s.id,
		Model:        s.model,
		MIMEType:     o.Image.MIMEType,
		ImageDigest:  storage.ImageDigest(o.Image.Data),
		PromptLength: len(o.Prompt),
		Status:       string(analysis.StatusSuccess),
	}
	if o.Err != nil {
		entry.Status = string(analysis.StatusError)
		entry.ErrorMessage = llm.ErrorMessage(o.Err)
	} else if o.Result != nil {
		if o.Result.Model != "" {
			entry.Model = o.Result.Model
		}
		entry.InputTokens = o.Result.Usage.InputTokens
		entry.OutputTokens = o.Result.Usage.OutputTokens
		entry.CostUSD = o.Result.Usage.CostUSD
	}

	if err := s.ledger.Record(entry); err != nil {
		log.Warn().Err(err).Str("sessionId", s.id).Msg("failed to record analysis")
	}
}

// send queues a message for processing by the worker.
// This is non-blocking unless the inbox is full.
func (s *Session) send(msg *sessionMessage) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
		if msg.Done != nil {
			msg.Err = ErrClosed
			close(msg.Done)
		}
	}
}

// sendSync queues a message and waits for it to be processed. A session
// that is already closed answers with ErrClosed.
func (s *Session) sendSync(msg *sessionMessage) *sessionMessage {
	if s.ctx.Err() != nil {
		msg.Err = ErrClosed
		return msg
	}

	msg.Done = make(chan struct{})
	s.send(msg)
	select {
	case <-msg.Done:
	case <-s.stopped:
		// Queued after the worker drained its inbox
		select {
		case <-msg.Done:
		default:
			msg.Err = ErrClosed
		}
	}
	return msg
}
