package pipeline

import "github.com/diariolab/gazeta/store"

// transitions enumerates the legal diary status changes. Processing can
// release a diary back to pendente on a transient failure; erro and
// concluido diaries can be claimed again for reprocessing.
var transitions = map[string][]string{
	store.StatusPendente:    {store.StatusProcessando},
	store.StatusProcessando: {store.StatusConcluido, store.StatusErro, store.StatusPendente},
	store.StatusConcluido:   {store.StatusProcessando},
	store.StatusErro:        {store.StatusProcessando},
}

// CanTransition reports whether a diary may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// FailureStatus decides where a failed run leaves the diary: back to
// pendente while retries remain, erro once the attempt budget is spent.
func FailureStatus(attempts, maxRetries int) string {
	if attempts < maxRetries {
		return store.StatusPendente
	}
	return store.StatusErro
}

// RunTypeFor returns the run type for a diary being (re)claimed: the
// first completed run makes everything after it a reprocess.
func RunTypeFor(previousRuns int) string {
	if previousRuns == 0 {
		return store.RunInitial
	}
	return store.RunReprocess
}
