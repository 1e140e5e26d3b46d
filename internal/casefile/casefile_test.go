package casefile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey(t *testing.T) {
	t.Run("stable across calls", func(t *testing.T) {
		a := IdempotencyKey("sha256:fp", "R_CLAIMS_AUTO", "2024.2", "create_case")
		b := IdempotencyKey("sha256:fp", "R_CLAIMS_AUTO", "2024.2", "create_case")
		require.Equal(t, a, b)
		require.True(t, strings.HasPrefix(a, "idem:"))
	})

	t.Run("every component participates", func(t *testing.T) {
		base := IdempotencyKey("sha256:fp", "R_CLAIMS_AUTO", "2024.2", "create_case")
		require.NotEqual(t, base, IdempotencyKey("sha256:other", "R_CLAIMS_AUTO", "2024.2", "create_case"))
		require.NotEqual(t, base, IdempotencyKey("sha256:fp", "R_COMPLAINT", "2024.2", "create_case"))
		require.NotEqual(t, base, IdempotencyKey("sha256:fp", "R_CLAIMS_AUTO", "2024.3", "create_case"))
		require.NotEqual(t, base, IdempotencyKey("sha256:fp", "R_CLAIMS_AUTO", "2024.2", "attach"))
	})
}
