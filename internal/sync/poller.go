package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
)

// PollState is the scheduling state of one account in the poller.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
	PollError
)

func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case PollRunning:
		return "running"
	case PollError:
		return "error"
	}
	return "unknown"
}

// PollStatus holds the poll state for a single account.
type PollStatus struct {
	AccountID string
	State     PollState
	LastSync  time.Time
	Error     error
}

// PollResult is sent when a scheduled run completes.
type PollResult struct {
	AccountID string
	Report    *Report
	Error     error
	// AuthError is set when the server rejected the credentials. The
	// account keeps being polled, but every attempt will fail until the
	// credentials are fixed.
	AuthError bool
}

// Syncer runs one account. *Engine implements it.
type Syncer interface {
	Run(ctx context.Context, acct model.Account, opts Options) (*Report, error)
}

const defaultPollInterval = 300 * time.Second

// accountEntry holds a registered account and its trigger channel.
type accountEntry struct {
	acct    model.Account
	trigger chan struct{}
}

// Poller re-runs each registered account on its poll interval. It is the
// scheduler around the engine; the engine itself never retries.
type Poller struct {
	syncer   Syncer
	opts     Options
	timeout  time.Duration
	log      log.FieldLogger
	accounts []accountEntry
	statuses map[string]*PollStatus
	resultCh chan PollResult
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
}

// NewPoller creates a poller running syncer with opts. timeout bounds each
// run; zero means unbounded.
func NewPoller(syncer Syncer, opts Options, timeout time.Duration, logger log.FieldLogger) *Poller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Poller{
		syncer:   syncer,
		opts:     opts,
		timeout:  timeout,
		log:      logger,
		statuses: make(map[string]*PollStatus),
		resultCh: make(chan PollResult, 16),
		stopCh:   make(chan struct{}),
	}
}

// Register adds an account to the poller. Accounts registered after Start
// are not polled.
func (p *Poller) Register(acct model.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.accounts = append(p.accounts, accountEntry{acct: acct, trigger: make(chan struct{}, 1)})
	p.statuses[acct.ID] = &PollStatus{AccountID: acct.ID, State: PollIdle}
}

// Start launches one polling goroutine per account. Each account is synced
// immediately and then on every tick of its interval.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for _, entry := range p.accounts {
		p.wg.Add(1)
		go p.pollAccount(entry)
	}
}

// Stop halts all polling goroutines and waits for in-flight runs to end.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// Results returns the channel completed runs are reported on. Results are
// dropped when nobody reads and the buffer is full.
func (p *Poller) Results() <-chan PollResult {
	return p.resultCh
}

// RefreshAll triggers an immediate sync of every account.
func (p *Poller) RefreshAll() {
	p.mu.Lock()
	accounts := make([]accountEntry, len(p.accounts))
	copy(accounts, p.accounts)
	p.mu.Unlock()

	for _, entry := range accounts {
		select {
		case entry.trigger <- struct{}{}:
		default:
			// A refresh is already pending.
		}
	}
}

// Refresh triggers an immediate sync of one account.
func (p *Poller) Refresh(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.accounts {
		if entry.acct.ID == accountID {
			select {
			case entry.trigger <- struct{}{}:
			default:
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", model.ErrAccountNotConfigured, accountID)
}

// Statuses returns the current poll status of all registered accounts.
func (p *Poller) Statuses() []PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]PollStatus, 0, len(p.accounts))
	for _, entry := range p.accounts {
		statuses = append(statuses, *p.statuses[entry.acct.ID])
	}
	return statuses
}

func (p *Poller) pollAccount(entry accountEntry) {
	defer p.wg.Done()

	interval := time.Duration(entry.acct.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.syncAccount(entry.acct)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.syncAccount(entry.acct)
		case <-entry.trigger:
			p.syncAccount(entry.acct)
		}
	}
}

// syncAccount performs one run and publishes the result.
func (p *Poller) syncAccount(acct model.Account) {
	p.setStatus(acct.ID, PollRunning, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if p.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, p.timeout)
		defer cancelTimeout()
	}
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := p.syncer.Run(ctx, acct, p.opts)
	if err == nil && report != nil {
		err = report.AllErrors()
	}

	result := PollResult{AccountID: acct.ID, Report: report, Error: err}
	if err != nil {
		p.setStatus(acct.ID, PollError, err)
		result.AuthError = mailbox.IsAuthError(err)
		entry := p.log.WithError(err).WithField("account", acct.ID)
		if result.AuthError {
			entry.Error("sync_poll_auth_failed")
		} else {
			entry.Warn("sync_poll_failed")
		}
	} else {
		p.setStatus(acct.ID, PollIdle, nil)
	}
	p.sendResult(result)
}

func (p *Poller) setStatus(accountID string, state PollState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[accountID]
	if !ok {
		return
	}
	status.State = state
	status.Error = err
	if state == PollIdle {
		status.LastSync = time.Now()
	}
}

// sendResult publishes a result without blocking the poll loop.
func (p *Poller) sendResult(r PollResult) {
	select {
	case p.resultCh <- r:
	default:
		p.log.WithField("account", r.AccountID).Debug("sync_poll_result_dropped")
	}
}
