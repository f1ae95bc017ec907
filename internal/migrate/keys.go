package migrate

// Stage keys for the durable state machine. Presence of a marker means
// that unit of work is safe to skip on resume.
const (
	StagePrepared          = "prepared"
	StageDiscovered        = "discovered"
	StageGlobals           = "globals"
	StageTuningProfile     = "tuning-profile"
	StageTuningApplied     = "tuning-applied"
	StageDatabasesCreated  = "databases-created"
	StageDatabasesMigrated = "databases-migrated"
	StageVerified          = "verified"
	StageTuningReverted    = "tuning-reverted"
)

func dbKey(db string) string         { return "db:" + db }
func dbCreatedKey(db string) string  { return "db:" + db + ":created" }
func dbDumpedKey(db string) string   { return "db:" + db + ":dumped" }
func dbRestoredKey(db string) string { return "db:" + db + ":restored" }
func verifyKey(db string) string     { return "verify:" + db }
