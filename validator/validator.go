// Package validator decides whether an inbound operation is authorized and
// complete before its body runs.
package validator

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"chatrelay/domain"
)

type Authorization int

const (
	AuthNone Authorization = iota
	AuthUserID
)

// systemParams are always accepted in addition to an operation's own params.
var systemParams = []string{"userId"}

type OperationSpec struct {
	Required      []string
	Optional      []string
	Authorization Authorization
	AckRequired   bool
}

var specs = map[domain.Operation]OperationSpec{
	domain.OpLogon: {
		Required:      []string{"userId"},
		Optional:      []string{"deviceId"},
		Authorization: AuthNone,
		AckRequired:   true,
	},
	domain.OpCreateSession: {
		Required:      []string{"sessionId"},
		Authorization: AuthUserID,
		AckRequired:   true,
	},
	domain.OpJoinSession: {
		Required:      []string{"sessionId"},
		Authorization: AuthUserID,
		AckRequired:   true,
	},
	domain.OpAddMessage: {
		Required:      []string{"newMessage"},
		Authorization: AuthUserID,
		AckRequired:   true,
	},
	domain.OpDisconnect: {
		Authorization: AuthNone,
	},
}

func init() {
	for _, op := range domain.Operations() {
		spec, ok := specs[op]
		if !ok {
			panic(fmt.Sprintf("validator: no spec registered for %s", op))
		}
		for _, name := range spec.Required {
			if slices.Contains(spec.Optional, name) {
				panic(fmt.Sprintf("validator: %s for %s cannot be both required and optional", name, op))
			}
		}
	}
}

// Spec returns the registered spec for op. Unregistered operations panic.
func Spec(op domain.Operation) OperationSpec {
	spec, ok := specs[op]
	if !ok {
		panic(fmt.Sprintf("validator: unregistered operation %d", int(op)))
	}
	return spec
}

type Result struct {
	Valid   bool
	Error   string
	Warning string
}

// Validate checks params for op against the caller's identity. Parameters the
// operation does not declare are removed from params.
func Validate(identity domain.Identity, op domain.Operation, params domain.Params, hasAck bool) Result {
	spec := Spec(op)
	var errs []string

	switch spec.Authorization {
	case AuthNone:
	case AuthUserID:
		if identity.UserID == "" {
			errs = append(errs, "The user is not logged in")
		}
	default:
		errs = append(errs, fmt.Sprintf("Unknown authorization type: %d", spec.Authorization))
	}

	var missing []string
	for _, name := range spec.Required {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		errs = append(errs, "The following parameters are missing: "+strings.Join(missing, ", ")+".")
	}

	var unexpected []string
	for name := range params {
		if slices.Contains(spec.Required, name) || slices.Contains(spec.Optional, name) || slices.Contains(systemParams, name) {
			continue
		}
		unexpected = append(unexpected, name)
	}
	sort.Strings(unexpected)
	for _, name := range unexpected {
		delete(params, name)
	}

	if spec.AckRequired && !hasAck {
		slog.Error("requestValidatorError", "info", "No respond callback", "apiName", op.String())
		errs = append(errs, "No respond callback for "+op.String())
	}

	result := Result{Valid: len(errs) == 0}
	if len(errs) > 0 {
		result.Error = strings.Join(errs, "; ")
	}
	if len(unexpected) > 0 {
		result.Warning = "The following unexpected parameters were present: " + strings.Join(unexpected, ", ") + "."
	}
	return result
}
