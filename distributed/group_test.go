package distributed

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// freeAddr grabs an ephemeral localhost address so parallel tests don't
// collide on the default rendezvous port.
func freeAddr(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func TestAllReduceMean(t *testing.T) {
	const world = 3
	cfg := Config{Addr: freeAddr(t), World: world, Timeout: 10 * time.Second}
	participants := []int{0, 1, 2}

	results := make([][]float32, world)
	var group errgroup.Group
	for rank := 0; rank < world; rank++ {
		group.Go(func() error {
			g, err := Join(cfg, rank)
			if err != nil {
				return err
			}
			defer g.Close()
			data := []float32{float32(rank), float32(rank) * 10, 1}
			result, err := g.AllReduceMean("grads", data, participants)
			if err != nil {
				return err
			}
			results[rank] = result
			return g.Barrier()
		})
	}
	require.NoError(t, group.Wait())

	// Mean of {0,1,2} is 1, of {0,10,20} is 10, of {1,1,1} is 1.
	assert.Equal(t, []float32{1, 10, 1}, results[0])
	for rank := 1; rank < world; rank++ {
		assert.Equal(t, results[0], results[rank], "all ranks must see identical bytes")
	}
}

func TestAllReduceMeanPartialParticipation(t *testing.T) {
	// Mimics an epoch where rank 0 owns one more batch than rank 1.
	cfg := Config{Addr: freeAddr(t), World: 2, Timeout: 10 * time.Second}

	var group errgroup.Group
	var leaderExtra []float32
	group.Go(func() error {
		g, err := Join(cfg, 0)
		if err != nil {
			return err
		}
		defer g.Close()
		if _, err := g.AllReduceMean("step0", []float32{2}, []int{0, 1}); err != nil {
			return err
		}
		leaderExtra, err = g.AllReduceMean("step1", []float32{6}, []int{0})
		if err != nil {
			return err
		}
		return g.Barrier()
	})
	group.Go(func() error {
		g, err := Join(cfg, 1)
		if err != nil {
			return err
		}
		defer g.Close()
		result, err := g.AllReduceMean("step0", []float32{4}, []int{0, 1})
		if err != nil {
			return err
		}
		assert.Equal(t, []float32{3}, result)
		return g.Barrier()
	})
	require.NoError(t, group.Wait())
	assert.Equal(t, []float32{6}, leaderExtra)
}

func TestJoinTimeout(t *testing.T) {
	cfg := Config{Addr: freeAddr(t), World: 2, Timeout: 200 * time.Millisecond}
	_, err := Join(cfg, 1) // No leader listening.
	require.Error(t, err)
}

func TestSingleWorkerGroup(t *testing.T) {
	g, err := Join(Config{World: 1}, 0)
	require.NoError(t, err)
	defer g.Close()
	result, err := g.AllReduceMean("grads", []float32{1, 2}, []int{0})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, result)
	require.NoError(t, g.Barrier())
}
