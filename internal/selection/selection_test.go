package selection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{ID: string(rune('a' + i)), Inputs: []string{"first.png", "last.png"}}
	}
	return out
}

func TestSequentialKeepsOrderAndTarget(t *testing.T) {
	pairs, err := Sequential{}.Select(context.Background(), candidates(5), nil)
	require.NoError(t, err)
	require.Len(t, pairs, 5)
	assert.Equal(t, "a", pairs[0].CandidateID)
	assert.Equal(t, "e", pairs[4].CandidateID)

	three := 3
	pairs, err = Sequential{}.Select(context.Background(), candidates(5), &three)
	require.NoError(t, err)
	assert.Len(t, pairs, 3)

	zero := 0
	_, err = Sequential{}.Select(context.Background(), candidates(5), &zero)
	assert.ErrorIs(t, err, ErrNoPairs)
}

func TestSequentialSkipsEmptyCandidates(t *testing.T) {
	_, err := Sequential{}.Select(context.Background(), []Candidate{{ID: "x"}, {ID: "y", Inputs: []string{""}}}, nil)
	assert.ErrorIs(t, err, ErrNoPairs)

	cands := candidates(4)
	cands[0].Inputs = nil
	two := 2
	pairs, err := Sequential{}.Select(context.Background(), cands, &two)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "b", pairs[0].CandidateID)
	assert.Equal(t, "c", pairs[1].CandidateID)
}

func TestCandidateSelectable(t *testing.T) {
	assert.False(t, Candidate{}.Selectable())
	assert.False(t, Candidate{Inputs: []string{"", ""}}.Selectable())
	assert.True(t, Candidate{Inputs: []string{"", "last.png"}}.Selectable())
}

func TestHTTPSelector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req selectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if len(req.Candidates) == 0 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		// Reverse the candidates to prove order comes from the service.
		var resp selectResponse
		for i := len(req.Candidates) - 1; i >= 0; i-- {
			c := req.Candidates[i]
			resp.Pairs = append(resp.Pairs, Pair{CandidateID: c.ID, Inputs: c.Inputs})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	sel := NewHTTPSelector(srv.URL, 0)
	pairs, err := sel.Select(context.Background(), candidates(3), nil)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, "c", pairs[0].CandidateID)

	_, err = sel.Select(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestHTTPSelectorEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pairs":[]}`))
	}))
	defer srv.Close()

	_, err := NewHTTPSelector(srv.URL, 0).Select(context.Background(), candidates(2), nil)
	assert.ErrorIs(t, err, ErrNoPairs)
}
