package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("taskrelay mysql: db is required")
	// ErrExecutorRequired is returned when enqueue is called with a nil executor.
	ErrExecutorRequired = errors.New("taskrelay mysql: executor is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("taskrelay mysql: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("taskrelay mysql: invalid table name")
	// ErrTopicRequired is returned when a delivery is enqueued without a topic.
	ErrTopicRequired = errors.New("taskrelay mysql: topic is required")
	// ErrTopicTooLong is returned when a topic does not fit the topic column.
	ErrTopicTooLong = errors.New("taskrelay mysql: topic is too long")
	// ErrPayloadRequired is returned when a delivery is enqueued without payload.
	ErrPayloadRequired = errors.New("taskrelay mysql: payload is required")
	// ErrKeyRequired is returned when a key-value operation has an empty key.
	ErrKeyRequired = errors.New("taskrelay mysql: key is required")
	// ErrInvalidValue is returned when a key-value value is not valid JSON.
	ErrInvalidValue = errors.New("taskrelay mysql: value must be valid JSON")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("taskrelay mysql: cleanup before time is required")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("taskrelay mysql: cleanup limit must be non-negative")
	// ErrCleanupRetentionInvalid is returned when cleanup retention is not positive.
	ErrCleanupRetentionInvalid = errors.New("taskrelay mysql: cleanup retention must be positive")
)
