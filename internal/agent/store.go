package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/model"
	"github.com/web-casa/casastack/internal/socket"
)

// Info is the public view of a stored agent.
type Info struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Endpoint string `json:"endpoint"`
	Name     string `json:"name"`
}

// Store persists the agents this manager connects to.
type Store struct {
	db     *gorm.DB
	dial   DialFunc
	logger *slog.Logger
}

// NewStore creates a Store. A nil dial uses socket.Dial.
func NewStore(db *gorm.DB, dial DialFunc, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = socket.Dial
	}
	return &Store{db: db, dial: dial, logger: logger.With("module", "agent")}
}

// List returns every stored agent.
func (s *Store) List() ([]model.Agent, error) {
	var agents []model.Agent
	if err := s.db.Order("id").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// AgentList returns the stored agents keyed by endpoint.
func (s *Store) AgentList() (map[string]Info, error) {
	agents, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Info, len(agents))
	for _, a := range agents {
		ep, err := socket.EndpointOf(a.URL)
		if err != nil {
			s.logger.Warn("skipping agent with invalid url", "url", a.URL, "err", err)
			continue
		}
		out[ep] = Info{URL: a.URL, Username: a.Username, Endpoint: ep, Name: a.Name}
	}
	return out, nil
}

// Add verifies the credentials against the remote manager, then stores
// the agent.
func (s *Store) Add(ctx context.Context, url, username, password, name string) (*model.Agent, error) {
	url = normalizeURL(url)
	endpoint, err := socket.EndpointOf(url)
	if err != nil {
		return nil, apperr.Validation("Invalid agent URL: %s", url)
	}

	agents, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if ep, _ := socket.EndpointOf(a.URL); ep == endpoint {
			return nil, apperr.Validation("Agent %s already exists", endpoint)
		}
	}

	if err := s.Test(ctx, url, username, password); err != nil {
		return nil, err
	}

	a := &model.Agent{URL: url, Username: username, Password: password, Name: name, Active: true}
	if err := s.db.Create(a).Error; err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	s.logger.Info("agent added", "endpoint", endpoint)
	return a, nil
}

// Remove deletes the agent with url.
func (s *Store) Remove(url string) error {
	res := s.db.Where("url = ?", normalizeURL(url)).Delete(&model.Agent{})
	if res.Error != nil {
		return fmt.Errorf("delete agent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("Agent not found")
	}
	s.logger.Info("agent removed", "url", url)
	return nil
}

// UpdateName renames the agent with url.
func (s *Store) UpdateName(url, name string) error {
	var a model.Agent
	if err := s.db.Where("url = ?", normalizeURL(url)).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("Agent not found")
		}
		return fmt.Errorf("find agent: %w", err)
	}
	if err := s.db.Model(&a).Update("name", strings.TrimSpace(name)).Error; err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

// Test dials the remote manager and logs in with the credentials.
func (s *Store) Test(ctx context.Context, url, username, password string) error {
	endpoint, err := socket.EndpointOf(url)
	if err != nil {
		return apperr.Validation("Invalid agent URL: %s", url)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	conn, err := s.dial(ctx, url, endpoint, s.logger)
	if err != nil {
		s.logger.Debug("agent test dial failed", "url", url, "err", err)
		return apperr.Validation("Unable to connect to the socket server")
	}
	defer conn.Close()
	go conn.Run(ctx)

	data, err := conn.Call(ctx, "login", credentials{Username: username, Password: password})
	if err != nil {
		return apperr.Validation("Unable to connect to the socket server")
	}
	var res loginResult
	if err := json.Unmarshal(data, &res); err != nil {
		return apperr.Validation("Unexpected response from the socket server")
	}
	if !res.OK {
		return apperr.Validation("%s", res.Msg)
	}
	return nil
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
