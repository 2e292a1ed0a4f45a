// Package handlers holds the command handlers built into conductor and the
// catalog types they are registered under.
package handlers

import (
	"encoding/json"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/deployment"
	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/resolver"
	"github.com/mattjoyce/conductor/internal/workflow"
)

// DeployHandler is the handler name of Deploy.
const DeployHandler = "deploy"

// Catalog type names declared by this package.
const (
	TypeCommand       = "Command"
	TypeIDeployment   = "IDeployment"
	TypeDeployCommand = "DeployCommand"
)

// DeployPayload is the payload of a deploy command. ResourceID resumes
// tracking of a deployment that was started elsewhere.
type DeployPayload struct {
	Activity   string          `json:"activity"`
	Input      json.RawMessage `json:"input,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	// Delete tears down the deployment named by ResourceID.
	Delete bool `json:"delete,omitempty"`
}

// Deploy runs the deployment machine for the command and returns the
// deployment output.
func Deploy(wctx *workflow.Context, cmd command.Command) (json.RawMessage, error) {
	var p DeployPayload
	if len(cmd.Payload) == 0 {
		return nil, &command.ValidationError{Field: "command.payload", Reason: "is required"}
	}
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, &command.ValidationError{Field: "command.payload", Reason: err.Error()}
	}
	desc := deployment.Descriptor{
		StartActivity: p.Activity,
		StartInput:    p.Input,
		ResourceID:    p.ResourceID,
		Delete:        p.Delete,
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	wctx.Logger().Info("deploying", "command_id", cmd.ID, "activity", p.Activity, "resource_id", p.ResourceID)
	return deployment.Run(wctx, desc)
}

// CatalogTypes are the command types the built-in handlers understand.
func CatalogTypes() []resolver.TypeInfo {
	return []resolver.TypeInfo{
		{Name: TypeCommand},
		{Name: TypeIDeployment, Interface: true},
		{Name: TypeDeployCommand, Base: TypeCommand, Interfaces: []string{TypeIDeployment}},
	}
}

// DefaultRegistrations routes every deployment command to Deploy.
func DefaultRegistrations() map[string]string {
	return map[string]string{TypeIDeployment: DeployHandler}
}

// Definitions returns the handler workflows and the deployment machine
// they depend on.
func Definitions(machine *deployment.Machine) []workflow.Definition {
	return []workflow.Definition{
		dispatch.HandlerWorkflow(DeployHandler, Deploy),
		machine,
	}
}
