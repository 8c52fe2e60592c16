package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNode_CountByWorkshop(t *testing.T) {
	n := &Node{Sessions: map[string]*Session{
		"a": {ID: "a", Workshop: "Net101", Available: true},
		"b": {ID: "b", Workshop: "Net101", Available: false},
		"c": {ID: "c", Workshop: "Web200", Available: true},
	}}

	assert.Equal(t, 3, n.CountSessions())
	assert.Equal(t, 2, n.CountByWorkshop("Net101", false))
	assert.Equal(t, 1, n.CountByWorkshop("Net101", true))
	assert.Equal(t, 0, n.CountByWorkshop("Missing", false))
}

func TestNode_AvailableSession(t *testing.T) {
	now := time.Now()
	n := &Node{Sessions: map[string]*Session{
		"late":  {ID: "late", Workshop: "Net101", Available: true, StartedAt: now},
		"early": {ID: "early", Workshop: "Net101", Available: true, StartedAt: now.Add(-time.Minute)},
		"taken": {ID: "taken", Workshop: "Net101", Available: false, StartedAt: now.Add(-time.Hour)},
	}}

	s := n.AvailableSession("Net101")
	if assert.NotNil(t, s) {
		assert.Equal(t, "early", s.ID)
	}
	assert.Nil(t, n.AvailableSession("Web200"))
}

func TestSession_IdleAndPorts(t *testing.T) {
	s := &Session{Machines: []Machine{
		{Name: "kali_x", Port: 50001},
		{Name: "router_x", Port: RemoteDisplayDisabled},
	}}
	assert.True(t, s.Idle())
	assert.Equal(t, []int{50001}, s.Ports())

	s.Machines[0].Active = true
	assert.False(t, s.Idle())
}

func TestRandomToken(t *testing.T) {
	token := RandomToken(10)
	assert.Len(t, token, 10)
	assert.Regexp(t, `^[A-Z0-9]{10}$`, token)
	assert.NotEqual(t, token, RandomToken(10))
	assert.Empty(t, RandomToken(0))
}
