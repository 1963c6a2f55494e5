package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
)

// Exit codes shared by the access commands.
const (
	ExitOK      = 0
	ExitUsage   = 1
	ExitDenied  = 10
	ExitUnknown = 11
)

// AccessCLI groups operational helpers that act on the permission backend.
type AccessCLI struct {
	stores authz.Stores
	logger *slog.Logger
}

// NewAccessCLI constructs the helper over the given stores.
func NewAccessCLI(stores authz.Stores, logger *slog.Logger) *AccessCLI {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AccessCLI{stores: stores, logger: logger}
}

// CheckOptions defines the flags of the check command.
type CheckOptions struct {
	IdentityID string
	Feature    string
	Action     string
	Module     string
	Timeout    time.Duration
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CheckResult is the JSON body printed by the check command.
type CheckResult struct {
	IdentityID  string   `json:"identity_id"`
	Permission  string   `json:"permission"`
	Module      string   `json:"module,omitempty"`
	Decision    string   `json:"decision"`
	PrimaryRole string   `json:"primary_role,omitempty"`
	Roles       []string `json:"roles"`
	Modules     []string `json:"modules"`
}

// CheckCommand resolves the identity against the backend and reports whether
// feature:action is granted. Exit code 10 means denied and 11 unknown.
func (c *AccessCLI) CheckCommand(ctx context.Context, opts CheckOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	id, err := uuid.Parse(strings.TrimSpace(opts.IdentityID))
	if err != nil || id == uuid.Nil {
		_, _ = fmt.Fprintf(opts.Stderr, "check: invalid --identity %q\n", opts.IdentityID)
		return ExitUsage
	}
	if strings.TrimSpace(opts.Feature) == "" || strings.TrimSpace(opts.Action) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "check: --feature and --action are required")
		return ExitUsage
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	engine, err := authz.NewEngine(authz.Config{Stores: c.stores, Logger: c.logger})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "check: %v\n", err)
		return ExitUsage
	}
	defer engine.Close()

	decision := authz.DecisionUnknown
	if err := engine.SetIdentity(ctx, &authz.Identity{ID: id}); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "check: load permissions: %v\n", err)
	} else {
		decision = engine.Check(ctx, opts.Feature, opts.Action)
		if decision == authz.DecisionAllowed && opts.Module != "" && !engine.HasModuleAccess(opts.Module) {
			decision = authz.DecisionDenied
		}
	}

	snap := engine.Snapshot()
	result := CheckResult{
		IdentityID:  id.String(),
		Permission:  authz.Key(opts.Feature, opts.Action),
		Module:      opts.Module,
		Decision:    decision.String(),
		PrimaryRole: snap.PrimaryRole,
		Roles:       snap.Roles,
		Modules:     snap.Modules,
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(result); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "check: encode json: %v\n", err)
			return ExitUsage
		}
	} else {
		renderCheckHuman(opts.Stdout, result)
	}

	switch decision {
	case authz.DecisionAllowed:
		return ExitOK
	case authz.DecisionDenied:
		return ExitDenied
	default:
		return ExitUnknown
	}
}

func renderCheckHuman(w io.Writer, r CheckResult) {
	_, _ = fmt.Fprintf(w, "identity:     %s\n", r.IdentityID)
	_, _ = fmt.Fprintf(w, "permission:   %s\n", r.Permission)
	if r.Module != "" {
		_, _ = fmt.Fprintf(w, "module:       %s\n", r.Module)
	}
	primary := r.PrimaryRole
	if primary == "" {
		primary = "-"
	}
	_, _ = fmt.Fprintf(w, "primary role: %s\n", primary)
	_, _ = fmt.Fprintf(w, "roles:        %s\n", joinOrDash(r.Roles))
	_, _ = fmt.Fprintf(w, "modules:      %s\n", joinOrDash(r.Modules))
	_, _ = fmt.Fprintf(w, "decision:     %s\n", strings.ToUpper(r.Decision))
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
