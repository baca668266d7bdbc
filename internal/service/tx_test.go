package service

import "context"

type testTxRepos struct {
	chunks        ChunkTxRepository
	embeddingJobs EmbeddingJobCreator
}

func (t *testTxRepos) Chunks() ChunkTxRepository {
	return t.chunks
}

func (t *testTxRepos) EmbeddingJobs() EmbeddingJobCreator {
	return t.embeddingJobs
}

type testTxRunner struct {
	repos TxRepositories
	calls int
}

func (t *testTxRunner) WithTx(ctx context.Context, fn func(repos TxRepositories) error) error {
	t.calls++
	return fn(t.repos)
}
