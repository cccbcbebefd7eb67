package migration

// TargetSchemaVersion determines the database schema version.
const TargetSchemaVersion uint = 2
