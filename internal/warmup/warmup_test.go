package warmup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/daily-rebalancer/internal/domain"
)

func TestExtractTickers_LeafIgnoresEmptySlots(t *testing.T) {
	node := domain.PayloadNode{Positions: []string{"SPY", "", "Empty", "QQQ"}}
	tickers := extractTickers(node)
	assert.Equal(t, []string{"SPY", "QQQ"}, tickers)
}

func TestExtractTickers_WalksBranchesDepthFirst(t *testing.T) {
	node := domain.PayloadNode{
		Children: map[string][]domain.PayloadNode{
			"bull": {
				{Positions: []string{"SPY"}},
			},
			"bear": {
				{Positions: []string{"BIL", "Empty"}},
				{Children: map[string][]domain.PayloadNode{
					"inner": {{Positions: []string{"GLD"}}},
				}},
			},
		},
	}

	tickers := extractTickers(node)
	assert.ElementsMatch(t, []string{"SPY", "BIL", "GLD"}, tickers)
}

func TestShuffle_PreservesSetAndDoesNotMutateInput(t *testing.T) {
	accounts := []domain.Account{
		{UserID: "u1", CredentialType: domain.CredentialPaper},
		{UserID: "u2", CredentialType: domain.CredentialPaper},
		{UserID: "u3", CredentialType: domain.CredentialLive},
	}
	original := make([]domain.Account, len(accounts))
	copy(original, accounts)

	shuffled, err := shuffle(accounts)
	assert.NoError(t, err)
	assert.ElementsMatch(t, original, shuffled)
	assert.Equal(t, original, accounts, "shuffle must not mutate its input")
}

func TestShuffle_EventuallyProducesDifferentOrders(t *testing.T) {
	accounts := make([]domain.Account, 8)
	for i := range accounts {
		accounts[i] = domain.Account{UserID: string(rune('a' + i))}
	}

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		shuffled, err := shuffle(accounts)
		assert.NoError(t, err)
		key := ""
		for _, a := range shuffled {
			key += a.UserID
		}
		seen[key] = true
	}

	assert.Greater(t, len(seen), 1, "Fisher-Yates shuffle should not always produce the same order")
}
