package procinfo

import (
	"os"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfIsAlive(t *testing.T) {
	st := System{}.Check(os.Getpid(), 0)
	assert.True(t, st.Alive)
	assert.False(t, st.Verified)
}

func TestSelfStartTimeVerifies(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("start time unsupported")
	}
	started, err := StartTime(os.Getpid())
	require.NoError(t, err)
	require.Positive(t, started)

	st := System{}.Check(os.Getpid(), started)
	assert.True(t, st.Alive)
	assert.True(t, st.Verified)

	// A different start time means the pid was reused.
	st = System{}.Check(os.Getpid(), started-3600)
	assert.False(t, st.Alive)
	assert.True(t, st.Verified)
}

func TestReapedChildIsDead(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run child: %v", err)
	}
	pid := cmd.ProcessState.Pid()
	st := System{}.Check(pid, 0)
	// The pid may in principle be reused immediately; only a dead answer
	// must be verified.
	if !st.Alive {
		assert.True(t, st.Verified)
	}
}

func TestInvalidPID(t *testing.T) {
	st := System{}.Check(0, 0)
	assert.False(t, st.Alive)
	assert.True(t, st.Verified)
	assert.False(t, Alive(-1, 0))
}

func TestStatic(t *testing.T) {
	table := Static{10: 500}
	assert.Equal(t, Status{PID: 10, Alive: true, Verified: true}, table.Check(10, 500))
	assert.Equal(t, Status{PID: 10, Alive: false, Verified: true}, table.Check(10, 400))
	assert.Equal(t, Status{PID: 10, Alive: true}, table.Check(10, 0))
	assert.Equal(t, Status{PID: 11, Verified: true}, table.Check(11, 0))
}
