package permission_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/events"
	"goa.design/agentkernel/permission"
	"goa.design/agentkernel/store/inmem"
	"goa.design/agentkernel/tools"
)

func TestEvaluateOrder(t *testing.T) {
	mgr := permission.New(permission.Config{
		Mode:                 permission.ModeAuto,
		DenyTools:             []tools.Ident{"rm"},
		AllowTools:            []tools.Ident{"read", "rm", "write"},
		RequireApprovalTools: []tools.Ident{"write"},
	}, nil)

	assert.Equal(t, permission.Deny, mgr.Evaluate(tools.Spec{Name: "rm"}).Decision, "deny list wins over allow list")
	assert.Equal(t, permission.Ask, mgr.Evaluate(tools.Spec{Name: "write"}).Decision, "require-approval wins over auto mode")
	assert.Equal(t, permission.Allow, mgr.Evaluate(tools.Spec{Name: "read"}).Decision)

	notAllowed := permission.New(permission.Config{Mode: permission.ModeAuto, AllowTools: []tools.Ident{"read"}}, nil)
	assert.Equal(t, permission.Deny, notAllowed.Evaluate(tools.Spec{Name: "write"}).Decision)
}

func TestReadonlyMode(t *testing.T) {
	mgr := permission.New(permission.Config{Mode: permission.ModeReadonly}, nil)
	assert.Equal(t, permission.Allow, mgr.Evaluate(tools.Spec{Name: "read", Attributes: tools.Attributes{Readonly: true}}).Decision)
	assert.Equal(t, permission.Ask, mgr.Evaluate(tools.Spec{Name: "write"}).Decision)
}

func TestRequestApprovalAndDecide(t *testing.T) {
	st := inmem.New()
	bus, err := events.New(st)
	require.NoError(t, err)
	mgr := permission.New(permission.Config{Mode: permission.ModeApproval}, bus)

	ch, result := mgr.RequestApproval(context.Background(), agent.Ident("a1"), "c1", "fs_write", map[string]any{"path": "/tmp/x"})
	assert.True(t, mgr.IsPending("c1"))

	require.NoError(t, mgr.Decide(context.Background(), "c1", permission.Deny, "nope"))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("decided channel never closed")
	}
	decision, note := result()
	assert.Equal(t, permission.Deny, decision)
	assert.Equal(t, "nope", note)
	assert.False(t, mgr.IsPending("c1"))

	err = mgr.Decide(context.Background(), "c1", permission.Allow, "")
	assert.ErrorIs(t, err, permission.ErrNotPending)
}

func TestCustomMode(t *testing.T) {
	mgr := permission.New(permission.Config{Mode: "paranoid"}, nil).WithCustomMode("paranoid", func(spec tools.Spec) permission.Outcome {
		if spec.Name == "safe" {
			return permission.Outcome{Decision: permission.Allow}
		}
		return permission.Outcome{Decision: permission.Deny, Reason: "paranoid mode denies everything else"}
	})
	assert.Equal(t, permission.Allow, mgr.Evaluate(tools.Spec{Name: "safe"}).Decision)
	assert.Equal(t, permission.Deny, mgr.Evaluate(tools.Spec{Name: "unsafe"}).Decision)
}

func TestPendingIDsListsUnresolvedApprovals(t *testing.T) {
	bus, err := events.New(inmem.New())
	require.NoError(t, err)
	m := permission.New(permission.Config{Mode: permission.ModeApproval}, bus)

	assert.Empty(t, m.PendingIDs())

	m.RequestApproval(context.Background(), agent.Ident("a1"), "c2", "fs_write", nil)
	m.RequestApproval(context.Background(), agent.Ident("a1"), "c1", "fs_read", nil)
	assert.Equal(t, []string{"c1", "c2"}, m.PendingIDs())

	require.NoError(t, m.Decide(context.Background(), "c1", permission.Allow, ""))
	assert.Equal(t, []string{"c2"}, m.PendingIDs())
}
