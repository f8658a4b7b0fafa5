// Package githook serves the pre-receive and post-receive hooks of the hosted repositories over
// a unix socket.
package githook

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"critic/internal/config"
	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/logger"
	"critic/internal/metrics"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

const unexpectedError = "Critic encountered an unexpected error. ¯\\_(ツ)_/¯"

// Service answers hook requests. Each connection carries exactly one request.
type Service struct {
	cfg          config.Critic
	tm           storage.TxManager
	bus          wakebus.Bus
	reviewBranch *regexp.Regexp
	urls         domain.URLs

	// waitingNoteAfter and pollCap are shortened by tests.
	waitingNoteAfter time.Duration
	pollCap          time.Duration
}

func New(cfg config.Critic, tm storage.TxManager, bus wakebus.Bus) (*Service, error) {
	pattern, err := regexp.Compile(cfg.ReviewBranchPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid review branch pattern %q: %w", cfg.ReviewBranchPattern, err)
	}
	return &Service{
		cfg:              cfg,
		tm:               tm,
		bus:              bus,
		reviewBranch:     pattern,
		urls:             domain.URLs{Prefix: cfg.URLPrefix},
		waitingNoteAfter: time.Second,
		pollCap:          time.Second,
	}, nil
}

// ListenAndServe binds the configured socket, restricts it to owner and group, and serves until
// ctx is done.
func (s *Service) ListenAndServe(ctx context.Context) error {
	path := s.cfg.GithookSocket
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0o770); err != nil {
		listener.Close()
		return err
	}

	log.Info().Str("layer", "githook").Str("socket", path).Msg("listening for hook connections")
	return s.Serve(ctx, listener)
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *Service) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn reads one request from conn, answers it and closes conn.
func (s *Service) ServeConn(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()

	ctx = logger.WithSessionID(ctx, uuid.NewString())
	out := newResponder(conn)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		log.Warn().Err(err).Str("session_id", logger.GetSessionID(ctx)).Str("layer", "githook").Msg("failed to read hook request")
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		log.Warn().Err(err).Str("session_id", logger.GetSessionID(ctx)).Str("layer", "githook").Msg("malformed hook request")
		metrics.HookRequestsTotal.WithLabelValues("unknown", "malformed").Inc()
		_ = out.output("Malformed hook request.")
		_ = out.reject()
		return
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("session_id", logger.GetSessionID(ctx)).
				Str("layer", "githook").
				Str("hook", req.Hook).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("hook request panicked")
			s.fail(ctx, req, out, fmt.Errorf("panic: %v", p))
		}
	}()

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "githook").
		Str("hook", req.Hook).
		Str("repository", req.RepositoryName).
		Str("user", req.UserName).
		Int("refs", len(req.Refs)).
		Msg("hook request")

	switch req.Hook {
	case HookPreReceive:
		err = s.preReceive(ctx, req, out)
	case HookPostReceive:
		err = s.postReceive(ctx, req, out)
	default:
		err = domain.NewError(http.StatusBadRequest, domain.ErrorCodeInvalidInput, "Unsupported hook: "+req.Hook, nil)
	}
	if err != nil {
		s.fail(ctx, req, out, err)
	}
}

// fail ends a request that could not be handled. Domain errors are shown to the user, anything
// else is hidden behind a generic message.
func (s *Service) fail(ctx context.Context, req Request, out *responder, err error) {
	var domainErr *domain.Error
	message := unexpectedError
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	} else {
		log.Error().
			Err(err).
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "githook").
			Str("hook", req.Hook).
			Msg("hook request failed")
		metrics.ErrorsTotal.WithLabelValues("hook_failed", "githook").Inc()
	}
	metrics.HookRequestsTotal.WithLabelValues(req.Hook, "error").Inc()

	_ = out.output(message)
	if req.Hook == HookPostReceive {
		_ = out.close()
	} else {
		_ = out.reject()
	}
}

// session is the identity a request is handled as.
type session struct {
	// user is nil for the system user.
	user       *domain.User
	userName   string
	repository *domain.Repository
	git        *git.Repository
	flags      json.RawMessage
}

func (s *Service) openSession(ctx context.Context, tx storage.Tx, req Request) (*session, error) {
	userName := req.UserName
	if remote := req.Environ["REMOTE_USER"]; remote != "" {
		userName = remote
	}

	sess := &session{userName: userName}
	if userName != s.cfg.SystemUser {
		user, err := tx.UserRepo().GetByName(ctx, userName)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.WrapError(err, domain.ErrUnknownUser.Status, domain.ErrorCodeUnknownUser,
				fmt.Sprintf("Unknown user: %s", userName))
		}
		if err != nil {
			return nil, err
		}
		sess.user = user
	}

	repository, err := tx.RepositoryRepo().GetByName(ctx, req.RepositoryName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.WrapError(err, domain.ErrUnknownRepository.Status, domain.ErrorCodeUnknownRepository,
			fmt.Sprintf("Unknown repository: %s", req.RepositoryName))
	}
	if err != nil {
		return nil, err
	}
	sess.repository = repository
	sess.git = git.NewRepository(s.cfg.GitBinary, repository.Path)

	if raw := req.Environ["CRITIC_FLAGS"]; raw != "" {
		if _, err := domain.ParseFlags(json.RawMessage(raw)); err != nil {
			return nil, domain.WrapError(err, http.StatusBadRequest, domain.ErrorCodeInvalidInput, "Invalid CRITIC_FLAGS: "+err.Error())
		}
		sess.flags = json.RawMessage(raw)
	}
	return sess, nil
}

// userName returns the display name of an updater, nil meaning the system user.
func (s *Service) userName(ctx context.Context, tx storage.Tx, userID *int64) string {
	if userID == nil {
		return s.cfg.SystemUser
	}
	user, err := tx.UserRepo().GetByID(ctx, *userID)
	if err != nil {
		return fmt.Sprintf("user #%d", *userID)
	}
	return user.Name
}
