// Package config loads pipeline configuration files.
//
// A file is YAML (.yaml, .yml) or TOML (.toml). Unknown keys are rejected.
// Example:
//
//	sources:
//	  - name: crm
//	    type: csv
//	    params: {path: data/crm.csv}
//	    fields:
//	      - {column: id, target: content_id}
//	      - {column: body, target: text}
//	  - name: api
//	    type: rest
//	    params: {endpoint: "https://example.com/items", page_size: 100}
//	    auth: {bearer_token_env: API_TOKEN}
//	schema:
//	  primary_key: content_id
//	  fields:
//	    - {column: score, target: score, dtype: float, default: 0}
//	io:
//	  workspace_dir: ./artifacts
//	  output_format: parquet
//	llm:
//	  text_column: text
//	  template: "{text}"
//	policy: fail
//
// Rules under schema.fields apply to every source unless they name one with
// "source"; rules under sources[].fields apply to that source only.
package config
