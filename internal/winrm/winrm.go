// Package winrm runs commands on windows nodes over WinRM.
package winrm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/masterzen/winrm"
)

// ErrUnauthorized is returned when the endpoint answers HTTP 401.
var ErrUnauthorized = errors.New("winrm: unauthorized")

// Endpoint addresses a WinRM listener.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Runner executes one command and returns its exit code and stdout.
type Runner interface {
	Run(ctx context.Context, ep Endpoint, command string, args ...string) (int, string, error)
}

// Client is the masterzen/winrm backed Runner. It talks HTTPS without
// certificate validation, as freshly provisioned nodes use self-signed
// listener certificates.
type Client struct {
	Timeout time.Duration
}

func (c Client) Run(ctx context.Context, ep Endpoint, command string, args ...string) (int, string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	endpoint := winrm.NewEndpoint(ep.Host, ep.Port, true, true, nil, nil, nil, timeout)
	client, err := winrm.NewClient(endpoint, ep.User, ep.Password)
	if err != nil {
		return -1, "", fmt.Errorf("winrm client: %w", err)
	}

	cmd := strings.Join(append([]string{command}, args...), " ")
	var stdout, stderr bytes.Buffer
	code, err := client.RunWithContext(ctx, cmd, &stdout, &stderr)
	if err != nil {
		if isUnauthorized(err) {
			return code, stdout.String(), fmt.Errorf("%s: %w", err, ErrUnauthorized)
		}
		return code, stdout.String(), err
	}
	return code, stdout.String(), nil
}

func isUnauthorized(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized")
}
