// Package docker talks to the Docker Engine API for the few daemon
// queries that are not compose subcommands.
package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// Client wraps the Docker Engine API client.
type Client struct {
	cli *client.Client
}

// NewClient creates a Client. host may be a unix socket path, a full
// docker host URL, or empty to use DOCKER_HOST and the default socket.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	switch {
	case host == "":
	case strings.Contains(host, "://"):
		opts = append(opts, client.WithHost(host))
	default:
		opts = append(opts, client.WithHost("unix://"+host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// NetworkNames returns the names of every network, sorted.
func (c *Client) NetworkNames(ctx context.Context) ([]string, error) {
	nets, err := c.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	names := make([]string, 0, len(nets))
	for _, n := range nets {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names, nil
}

// SystemSummary is a short daemon description.
type SystemSummary struct {
	ServerVersion string `json:"serverVersion"`
	Containers    int    `json:"containers"`
	Running       int    `json:"running"`
	Images        int    `json:"images"`
}

// Info returns system-level Docker information.
func (c *Client) Info(ctx context.Context) (*SystemSummary, error) {
	info, err := c.cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker info: %w", err)
	}
	return &SystemSummary{
		ServerVersion: info.ServerVersion,
		Containers:    info.Containers,
		Running:       info.ContainersRunning,
		Images:        info.Images,
	}, nil
}
