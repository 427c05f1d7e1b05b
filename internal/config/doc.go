/*
Package config holds the newsrag runtime settings.

Settings are resolved in three layers. Default supplies the built-in values,
an optional TOML file overrides them, and NEWSRAG_* environment variables
override the file. Load validates the merged result and reports any problem
as a types.ErrConfiguration.

A minimal file:

	db_path = "/var/lib/newsrag/newsrag.db"
	log_level = "debug"

	[embedding]
	embedding_provider = "jina"

	[reranker]
	reranker_provider = "jina"

Durations are written as Go duration strings ("30s", "10m"). Provider API
keys are never read from the file; set JINA_API_KEY or OPENAI_API_KEY.
*/
package config
