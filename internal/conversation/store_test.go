package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c2stem/copa/internal/domain"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestStore_AppendCountsWords(t *testing.T) {
	s := NewStore("You are a peer.")
	s.Append(domain.RoleUser, "truck   won't\tmove")
	s.Append(domain.RoleAssistant, "")

	assert.Equal(t, 3, s.WordCount())
	assert.Equal(t, 3, s.Len())
}

func TestStore_EvictsOnePairPerExceedingPair(t *testing.T) {
	const threshold = 100
	s := NewStore("system")

	prevOffset := 0
	exceeding := 0
	for i := 0; i < 8; i++ {
		s.Append(domain.RoleUser, words(10))
		s.Append(domain.RoleAssistant, words(15))
		evicted := s.MaybeEvict(threshold)

		if s.WordCount() > threshold {
			exceeding++
			require.True(t, evicted, "pair %d should evict", i)
			assert.Equal(t, prevOffset+2, s.Offset())
		} else {
			require.False(t, evicted)
			assert.Equal(t, prevOffset, s.Offset())
		}
		prevOffset = s.Offset()

		w := s.Window()
		assert.Equal(t, domain.RoleSystem, w.System.Role)
		require.NotEmpty(t, w.Tail)
		assert.Equal(t, domain.RoleUser, w.Tail[0].Role)
		assert.Equal(t, s.Messages()[s.Len()-1], w.Tail[len(w.Tail)-1])
	}

	assert.Equal(t, 2*exceeding, s.Offset())
	assert.Equal(t, 17, s.Len(), "evicted messages stay stored")
}

func TestStore_EvictOnlyAfterCompletedPair(t *testing.T) {
	s := NewStore("system")
	s.Append(domain.RoleUser, words(50))
	s.Append(domain.RoleAssistant, words(60))
	s.Append(domain.RoleUser, words(5))

	assert.False(t, s.MaybeEvict(10))
	assert.Equal(t, 0, s.Offset())
}

func TestStore_WindowNeverIncludesSystemInTail(t *testing.T) {
	s := NewStore("system")
	s.Append(domain.RoleUser, words(200))
	s.Append(domain.RoleAssistant, words(200))
	require.True(t, s.MaybeEvict(100))

	w := s.Window()
	assert.Equal(t, "system", w.System.Content)
	for _, m := range w.Tail {
		assert.NotEqual(t, domain.RoleSystem, m.Role)
	}

	s.Append(domain.RoleUser, "why?")
	w = s.Window()
	require.Len(t, w.Tail, 1)
	assert.Equal(t, "why?", w.Tail[0].Content)
	assert.Len(t, w.Messages(), 2)
}

func TestStore_AugmentSystemOnce(t *testing.T) {
	s := NewStore("base")

	assert.True(t, s.AugmentSystem("\n\nDomain Context:\nvelocity"))
	assert.False(t, s.AugmentSystem("\n\nDomain Context:\nagain"))

	assert.Equal(t, "base\n\nDomain Context:\nvelocity", s.Window().System.Content)
	assert.True(t, s.Augmented())
}

func TestStore_MessagesReturnsCopy(t *testing.T) {
	s := NewStore("system")
	s.Append(domain.RoleUser, "hello")

	msgs := s.Messages()
	msgs[1].Content = "mutated"

	assert.Equal(t, "hello", s.Messages()[1].Content)
}
