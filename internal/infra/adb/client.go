// Package adb drives the package manager of a device through the adb
// command line tool.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/pkg/common/logger"
)

// ErrUnrecognizedOutput is returned when adb output carries neither a
// success nor a failure line.
var ErrUnrecognizedOutput = errors.New("unrecognized adb output")

// Runner executes adb with args and returns its combined output.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the adb binary at Path.
type ExecRunner struct {
	Path string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	path := r.Path
	if path == "" {
		path = "adb"
	}
	return exec.CommandContext(ctx, path, args...).CombinedOutput()
}

// Result is the outcome reported by the package manager.
type Result struct {
	Success bool
	// Code is the INSTALL_FAILED_* or DELETE_FAILED_* constant, if any.
	Code    string
	Message string
}

// InstallOptions mirror the pm install flags the client supports.
type InstallOptions struct {
	// InheritFrom installs the archives as a partial update of this package.
	InheritFrom string
	DontKill    bool
	Name        string
}

// Client talks to a single device.
type Client struct {
	runner Runner
	serial string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient returns a client for the device with serial. An empty serial
// targets the only attached device.
func NewClient(runner Runner, serial string, log *logger.Logger, tracer trace.Tracer) *Client {
	return &Client{
		runner: runner,
		serial: serial,
		logger: log.With("component", "adb.client"),
		tracer: tracer,
	}
}

// Install installs the archives at the host paths apks. More than one
// archive, or an inherited package, uses install-multiple.
func (c *Client) Install(ctx context.Context, apks []string, opts InstallOptions) (Result, error) {
	args := []string{"install", "-r"}
	if len(apks) > 1 || opts.InheritFrom != "" {
		args = []string{"install-multiple", "-r"}
		if opts.InheritFrom != "" {
			args = append(args, "-p", opts.InheritFrom)
		}
	}
	if opts.DontKill {
		args = append(args, "--dont-kill")
	}
	args = append(args, apks...)
	return c.pm(ctx, "adb.install", args)
}

// Uninstall removes packageName for the current user.
func (c *Client) Uninstall(ctx context.Context, packageName string) (Result, error) {
	return c.pm(ctx, "adb.uninstall", []string{"shell", "pm", "uninstall", packageName})
}

func (c *Client) pm(ctx context.Context, op string, args []string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("serial", c.serial),
		attribute.StringSlice("args", args),
	))
	defer span.End()

	if c.serial != "" {
		args = append([]string{"-s", c.serial}, args...)
	}
	out, runErr := c.runner.Run(ctx, args...)

	// adb exits non-zero on a pm failure; the output still names the reason.
	res, err := ParseResult(out)
	if err != nil {
		if runErr != nil {
			err = fmt.Errorf("running adb %s: %w", strings.Join(args, " "), runErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "adb failed")
		c.logger.Error(ctx, "adb command failed", "op", op, "output", string(bytes.TrimSpace(out)), "error", err)
		return Result{}, err
	}

	span.SetAttributes(attribute.Bool("success", res.Success), attribute.String("code", res.Code))
	c.logger.Debug(ctx, "adb command finished", "op", op, "success", res.Success, "code", res.Code)
	return res, nil
}

var failureLine = regexp.MustCompile(`Failure \[([A-Za-z0-9_]+)(?::\s*([^\]]*))?\]`)

// ParseResult extracts the package manager verdict from adb output.
//
//	Success
//	Failure [INSTALL_FAILED_ALREADY_EXISTS: Attempt to re-install com.example without first uninstalling.]
//	adb: failed to install app.apk: Failure [INSTALL_FAILED_OLDER_SDK]
func ParseResult(out []byte) (Result, error) {
	if m := failureLine.FindSubmatch(out); m != nil {
		msg := strings.TrimSpace(string(m[2]))
		if msg == "" {
			msg = string(m[1])
		}
		return Result{Code: string(m[1]), Message: msg}, nil
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		if bytes.Equal(bytes.TrimSpace(line), []byte("Success")) {
			return Result{Success: true}, nil
		}
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnrecognizedOutput, bytes.TrimSpace(out))
}
