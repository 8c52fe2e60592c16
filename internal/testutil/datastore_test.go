package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTestDSN(t *testing.T) {
	dsn := NewTestDSN("TestName")
	assert.Equal(t, "file:TestName?mode=memory&cache=shared&_pragma=foreign_keys(1)", dsn)
}

func TestNewTestDSN_Subtest(t *testing.T) {
	dsn := NewTestDSN("TestScheduler/start workshop")
	assert.Equal(t, "file:TestScheduler_start_workshop?mode=memory&cache=shared&_pragma=foreign_keys(1)", dsn)
}
