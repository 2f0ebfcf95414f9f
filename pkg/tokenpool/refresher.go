package tokenpool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/k2gate/k2gate/pkg/logutil"
)

const loginWorkers = 4

// LoginFunc performs the upstream login exchange for one account and returns
// a bearer token.
type LoginFunc func(ctx context.Context, email, password string) (string, error)

type RefresherStatus struct {
	Enabled     bool   `json:"enabled"`
	InProgress  bool   `json:"in_progress"`
	LastRunAt   string `json:"last_run_at,omitempty"`
	LastResult  string `json:"last_result,omitempty"`
	NextRunAt   string `json:"next_run_at,omitempty"`
	UpdateCount int    `json:"update_count"`
	ErrorCount  int    `json:"error_count"`
}

// Refresher keeps the pool populated by logging in with stored accounts on a
// timer and on demand. At most one refresh runs at a time; a force request
// arriving mid-run is coalesced into one follow-up run.
type Refresher struct {
	pool         *Pool
	accountsPath string
	tokensPath   string
	interval     time.Duration
	loginTimeout time.Duration
	login        LoginFunc
	logger       *log.Logger

	mu          sync.Mutex
	inProgress  bool
	pending     bool
	lastRun     time.Time
	lastResult  string
	nextRun     time.Time
	updateCount int
	errorCount  int

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRefresher(pool *Pool, accountsPath, tokensPath string, interval, loginTimeout time.Duration, login LoginFunc) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	if loginTimeout <= 0 {
		loginTimeout = 30 * time.Second
	}
	return &Refresher{
		pool:         pool,
		accountsPath: accountsPath,
		tokensPath:   tokensPath,
		interval:     interval,
		loginTimeout: loginTimeout,
		login:        login,
		logger:       logutil.New("refresher"),
		wake:         make(chan struct{}, 1),
	}
}

// Start begins the background refresh loop. If the pool is empty an initial
// refresh runs immediately instead of waiting a full interval.
func (r *Refresher) Start() {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.nextRun = time.Now().Add(r.interval)
	r.mu.Unlock()

	go r.loop(ctx)
}

// Stop cancels the background loop. An in-flight refresh runs to completion.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ForceUpdate schedules an immediate refresh. It returns without waiting for
// the refresh to complete. Concurrent calls coalesce: while a refresh runs,
// at most one additional run is queued.
func (r *Refresher) ForceUpdate() {
	r.mu.Lock()
	if r.inProgress {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Refresher) Status() RefresherStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RefresherStatus{
		Enabled:     r.cancel != nil,
		InProgress:  r.inProgress,
		LastResult:  r.lastResult,
		UpdateCount: r.updateCount,
		ErrorCount:  r.errorCount,
	}
	if !r.lastRun.IsZero() {
		st.LastRunAt = r.lastRun.UTC().Format(time.RFC3339)
	}
	if !r.nextRun.IsZero() && r.cancel != nil {
		st.NextRunAt = r.nextRun.UTC().Format(time.RFC3339)
	}
	return st
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)

	// Refreshes run detached from ctx so that Stop does not abort a run that
	// is already under way; each login is still bounded by loginTimeout.
	runCtx := context.Background()

	if r.pool.Size() == 0 {
		r.logger.Info("token pool empty at startup, refreshing now")
		r.runOnce(runCtx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
		r.runOnce(runCtx)
		for r.takePending() {
			r.runOnce(runCtx)
		}
		r.mu.Lock()
		r.nextRun = time.Now().Add(r.interval)
		r.mu.Unlock()
		ticker.Reset(r.interval)
	}
}

func (r *Refresher) takePending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pending {
		return false
	}
	r.pending = false
	return true
}

func (r *Refresher) runOnce(ctx context.Context) {
	r.mu.Lock()
	if r.inProgress {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.inProgress = true
	r.mu.Unlock()

	result := r.refresh(ctx)

	r.mu.Lock()
	r.inProgress = false
	r.lastRun = time.Now()
	r.lastResult = result
	r.mu.Unlock()
}

func (r *Refresher) refresh(ctx context.Context) string {
	accounts, err := LoadAccounts(r.accountsPath)
	if err != nil {
		r.logger.Warn("skipping refresh", "err", err)
		r.bumpError()
		return "error: " + err.Error()
	}
	if len(accounts) == 0 {
		r.logger.Warn("skipping refresh: no accounts configured")
		r.bumpError()
		return "error: no accounts configured"
	}

	tokens := r.loginAll(ctx, accounts)
	if len(tokens) == 0 {
		r.logger.Error("refresh obtained no tokens, keeping current pool", "accounts", len(accounts))
		r.bumpError()
		return "error: no tokens obtained"
	}

	if err := writeTokensFile(r.tokensPath, tokens); err != nil {
		r.logger.Error("write token file failed", "err", err)
		r.bumpError()
		return "error: " + err.Error()
	}
	r.pool.Replace(NewEntries(tokens))

	r.mu.Lock()
	r.updateCount++
	r.mu.Unlock()
	r.logger.Info("token pool refreshed", "tokens", len(tokens), "accounts", len(accounts))
	return "ok"
}

// loginAll logs in every account with a bounded worker group. Results keep
// the account file order so the pool stays deterministic across refreshes.
func (r *Refresher) loginAll(ctx context.Context, accounts []Account) []string {
	results := make([]string, len(accounts))
	sem := make(chan struct{}, loginWorkers)
	var wg sync.WaitGroup
	for i, acct := range accounts {
		wg.Add(1)
		go func(i int, acct Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			loginCtx, cancel := context.WithTimeout(ctx, r.loginTimeout)
			defer cancel()
			token, err := r.login(loginCtx, acct.Email, acct.Password)
			if err != nil {
				r.logger.Warn("account login failed", "email", acct.Email, "err", err)
				return
			}
			results[i] = token
		}(i, acct)
	}
	wg.Wait()

	tokens := make([]string, 0, len(results))
	for _, t := range results {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func (r *Refresher) bumpError() {
	r.mu.Lock()
	r.errorCount++
	r.mu.Unlock()
}

// writeTokensFile writes one token per line to a temp file in the target
// directory and renames it over the target.
func writeTokensFile(path string, tokens []string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, t := range tokens {
		if _, err := tmp.WriteString(t + "\n"); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
