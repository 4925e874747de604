package store

// Schema is applied at startup. Uniqueness on (job_id, media_url) backs the
// skip-duplicates insert; media rows cascade with their job.
const Schema = `
CREATE TABLE IF NOT EXISTS scrape_jobs (
	id           BIGSERIAL PRIMARY KEY,
	user_id      BIGINT,
	urls         TEXT[] NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS media (
	id         BIGSERIAL PRIMARY KEY,
	job_id     BIGINT NOT NULL REFERENCES scrape_jobs(id) ON DELETE CASCADE,
	source_url TEXT NOT NULL,
	media_url  TEXT NOT NULL,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, media_url)
);

CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_media_type ON media (type);
CREATE INDEX IF NOT EXISTS idx_media_created_at ON media (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_media_job_id ON media (job_id);
CREATE INDEX IF NOT EXISTS idx_media_source_url ON media (source_url);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_status ON scrape_jobs (status);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_created_at ON scrape_jobs (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_user_id ON scrape_jobs (user_id);
`
