package postgres

// schema is the complete idempotent DDL, applied at every Open. New
// columns get their own ALTER further down rather than editing the
// CREATE, so older databases pick them up on restart.
const schema = `
-- Sources table
CREATE TABLE IF NOT EXISTS sources (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    url TEXT NOT NULL,
    source_type TEXT NOT NULL DEFAULT 'rss',
    category TEXT NOT NULL DEFAULT '',
    priority INT NOT NULL DEFAULT 5 CHECK (priority >= 1 AND priority <= 10),
    credibility DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    is_aggregator BOOLEAN NOT NULL DEFAULT FALSE,
    is_local BOOLEAN NOT NULL DEFAULT FALSE,
    language TEXT NOT NULL DEFAULT 'ar',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    error_count INT NOT NULL DEFAULT 0,
    last_fetched_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Articles table
CREATE TABLE IF NOT EXISTS articles (
    id BIGSERIAL PRIMARY KEY,
    source_id BIGINT REFERENCES sources(id),
    source_name TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    arabic_title TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    image_url TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    entities TEXT[] NOT NULL DEFAULT '{}',
    keywords TEXT[] NOT NULL DEFAULT '{}',
    importance_score INT NOT NULL DEFAULT 0 CHECK (importance_score >= 0 AND importance_score <= 10),
    urgency TEXT NOT NULL DEFAULT '',
    is_breaking BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL DEFAULT 'NEW',
    unique_hash TEXT NOT NULL UNIQUE,
    trace_id TEXT NOT NULL DEFAULT '',
    rejection_reason TEXT NOT NULL DEFAULT '',
    published_url TEXT NOT NULL DEFAULT '',
    published_at TIMESTAMPTZ,
    source_date TIMESTAMPTZ,
    crawled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_articles_status ON articles(status);
CREATE INDEX IF NOT EXISTS idx_articles_crawled ON articles(crawled_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_category ON articles(category);
CREATE INDEX IF NOT EXISTS idx_articles_breaking ON articles(crawled_at DESC) WHERE is_breaking;

-- Fingerprints: exactly one row per article
CREATE TABLE IF NOT EXISTS article_fingerprints (
    article_id BIGINT PRIMARY KEY REFERENCES articles(id) ON DELETE CASCADE,
    simhash BIGINT NOT NULL,
    shingles TEXT[] NOT NULL DEFAULT '{}',
    token_count INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_created ON article_fingerprints(created_at DESC);

-- Relations: one scored edge per ordered pair, max score wins
CREATE TABLE IF NOT EXISTS article_relations (
    id BIGSERIAL PRIMARY KEY,
    article_id BIGINT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    related_article_id BIGINT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    relation TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (article_id, related_article_id)
);

-- Story clusters
CREATE TABLE IF NOT EXISTS story_clusters (
    id BIGSERIAL PRIMARY KEY,
    cluster_key TEXT NOT NULL UNIQUE,
    label TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    geo_code TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Cluster membership: the article-id primary key enforces at most one
-- active cluster per article, so a move is a plain upsert
CREATE TABLE IF NOT EXISTS cluster_members (
    article_id BIGINT PRIMARY KEY REFERENCES articles(id) ON DELETE CASCADE,
    cluster_id BIGINT NOT NULL REFERENCES story_clusters(id) ON DELETE CASCADE,
    score DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_cluster_members_cluster ON cluster_members(cluster_id);

-- Job runs: the durable record behind every broker message
CREATE TABLE IF NOT EXISTS job_runs (
    id UUID PRIMARY KEY,
    job_type TEXT NOT NULL,
    queue_name TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'queued',
    attempt INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 5,
    payload_json JSONB,
    result_json JSONB,
    error TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    request_id TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    actor_name TEXT NOT NULL DEFAULT '',
    actor_kind TEXT NOT NULL DEFAULT '',
    queued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(status);
CREATE INDEX IF NOT EXISTS idx_job_runs_queue ON job_runs(queue_name, queued_at DESC);
-- partial index backing the coalescing lookup on (job_type, entity_id)
CREATE INDEX IF NOT EXISTS idx_job_runs_active
    ON job_runs(job_type, entity_id, queued_at DESC)
    WHERE status IN ('queued', 'running');
-- at most one live job per idempotency key; completed keys are reusable
CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_idem
    ON job_runs(idempotency_key)
    WHERE idempotency_key <> '' AND status IN ('queued', 'running');

-- Dead letters: append-only evidence of terminal failures
CREATE TABLE IF NOT EXISTS dead_letter_jobs (
    id BIGSERIAL PRIMARY KEY,
    job_id UUID NOT NULL,
    job_type TEXT NOT NULL,
    queue_name TEXT NOT NULL,
    payload_json JSONB,
    error TEXT NOT NULL DEFAULT '',
    traceback TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Editorial drafts: version is gapless per work, one applied row per work
CREATE TABLE IF NOT EXISTS editorial_drafts (
    id BIGSERIAL PRIMARY KEY,
    article_id BIGINT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    work_id TEXT NOT NULL,
    version INT NOT NULL,
    source_action TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    seo_title TEXT NOT NULL DEFAULT '',
    seo_description TEXT NOT NULL DEFAULT '',
    tags TEXT[] NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'draft',
    parent_draft_id BIGINT REFERENCES editorial_drafts(id),
    change_origin TEXT NOT NULL DEFAULT '',
    actor_name TEXT NOT NULL DEFAULT '',
    actor_kind TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    applied_at TIMESTAMPTZ,
    UNIQUE (work_id, version)
);
CREATE INDEX IF NOT EXISTS idx_drafts_article ON editorial_drafts(article_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_drafts_one_applied
    ON editorial_drafts(work_id)
    WHERE status = 'applied';

-- Editor decisions: immutable audit trail
CREATE TABLE IF NOT EXISTS editor_decisions (
    id BIGSERIAL PRIMARY KEY,
    article_id BIGINT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    draft_id BIGINT REFERENCES editorial_drafts(id),
    action TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    editor_id TEXT NOT NULL DEFAULT '',
    editor_name TEXT NOT NULL DEFAULT '',
    before_title TEXT NOT NULL DEFAULT '',
    after_title TEXT NOT NULL DEFAULT '',
    before_body TEXT NOT NULL DEFAULT '',
    after_body TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_decisions_article ON editor_decisions(article_id, created_at DESC);

-- Quality reports
CREATE TABLE IF NOT EXISTS article_quality_reports (
    id BIGSERIAL PRIMARY KEY,
    article_id BIGINT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    article_url TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL,
    passed BOOLEAN NOT NULL DEFAULT FALSE,
    score DOUBLE PRECISION NOT NULL DEFAULT 0,
    blocking_reasons TEXT[] NOT NULL DEFAULT '{}',
    fixes TEXT[] NOT NULL DEFAULT '{}',
    report TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_quality_article ON article_quality_reports(article_id, stage, created_at DESC);

-- Trend topics
CREATE TABLE IF NOT EXISTS trend_topics (
    id BIGSERIAL PRIMARY KEY,
    keyword TEXT NOT NULL UNIQUE,
    sources INT NOT NULL DEFAULT 0,
    strength INT NOT NULL DEFAULT 0,
    context TEXT NOT NULL DEFAULT '',
    first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_trends_last_seen ON trend_topics(last_seen DESC);
`
