package config

// MySQLDumpOptions are the optional mysqldump flags. The output must stay a
// plain SQL script that the restore path can replay.
type MySQLDumpOptions struct {
	// Transaction and locking options
	SingleTransaction bool `json:"singleTransaction" yaml:"singleTransaction"` // --single-transaction
	Quick             bool `json:"quick" yaml:"quick"`                         // --quick
	LockTables        bool `json:"lockTables" yaml:"lockTables"`               // --lock-tables
	SkipLockTables    bool `json:"skipLockTables" yaml:"skipLockTables"`       // --skip-lock-tables

	// Output formatting options
	SkipComments   bool `json:"skipComments" yaml:"skipComments"`     // --skip-comments
	CompleteInsert bool `json:"completeInsert" yaml:"completeInsert"` // --complete-insert
	ExtendedInsert bool `json:"extendedInsert" yaml:"extendedInsert"` // --extended-insert, --skip-extended-insert when false
	HexBlob        bool `json:"hexBlob" yaml:"hexBlob"`               // --hex-blob

	// Schema options
	Triggers bool `json:"triggers" yaml:"triggers"` // --triggers
	Routines bool `json:"routines" yaml:"routines"` // --routines
	Events   bool `json:"events" yaml:"events"`     // --events

	// SetGTIDPurgedOff keeps GTID statements out of the dump so it restores
	// into servers with their own GTID history
	SetGTIDPurgedOff bool `json:"setGtidPurgedOff" yaml:"setGtidPurgedOff"`
}

// Args converts the options to command-line arguments
func (o MySQLDumpOptions) Args() []string {
	var args []string
	if o.SingleTransaction {
		args = append(args, "--single-transaction")
	}
	if o.Quick {
		args = append(args, "--quick")
	}
	if o.LockTables {
		args = append(args, "--lock-tables")
	}
	if o.SkipLockTables {
		args = append(args, "--skip-lock-tables")
	}
	if o.SkipComments {
		args = append(args, "--skip-comments")
	}
	if o.CompleteInsert {
		args = append(args, "--complete-insert")
	}
	if o.ExtendedInsert {
		args = append(args, "--extended-insert")
	} else {
		args = append(args, "--skip-extended-insert")
	}
	if o.HexBlob {
		args = append(args, "--hex-blob")
	}
	if o.Triggers {
		args = append(args, "--triggers")
	}
	if o.Routines {
		args = append(args, "--routines")
	}
	if o.Events {
		args = append(args, "--events")
	}
	if o.SetGTIDPurgedOff {
		args = append(args, "--set-gtid-purged=OFF")
	}
	return args
}

// DefaultMySQLDumpOptions returns consistent, restorable dump settings
func DefaultMySQLDumpOptions() MySQLDumpOptions {
	return MySQLDumpOptions{
		SingleTransaction: true,
		Quick:             true,
		ExtendedInsert:    true,
		Triggers:          true,
		Routines:          true,
		Events:            true,
		SetGTIDPurgedOff:  true,
	}
}

// PostgreSQLDumpOptions are the optional pg_dump flags. Format, compression
// and schema/data selection are fixed by the backup engine.
type PostgreSQLDumpOptions struct {
	Verbose    bool `json:"verbose" yaml:"verbose"`       // --verbose
	NoComments bool `json:"noComments" yaml:"noComments"` // --no-comments

	Blobs   bool `json:"blobs" yaml:"blobs"`     // --blobs
	NoBlobs bool `json:"noBlobs" yaml:"noBlobs"` // --no-blobs

	Clean         bool `json:"clean" yaml:"clean"`                 // --clean
	IfExists      bool `json:"ifExists" yaml:"ifExists"`           // --if-exists
	NoOwner       bool `json:"noOwner" yaml:"noOwner"`             // --no-owner
	NoPrivileges  bool `json:"noPrivileges" yaml:"noPrivileges"`   // --no-privileges
	NoTablespaces bool `json:"noTablespaces" yaml:"noTablespaces"` // --no-tablespaces

	InsertColumns       bool `json:"insertColumns" yaml:"insertColumns"`             // --column-inserts
	OnConflictDoNothing bool `json:"onConflictDoNothing" yaml:"onConflictDoNothing"` // --on-conflict-do-nothing
}

// Args converts the options to command-line arguments
func (o PostgreSQLDumpOptions) Args() []string {
	var args []string
	if o.Verbose {
		args = append(args, "--verbose")
	}
	if o.NoComments {
		args = append(args, "--no-comments")
	}
	if o.Blobs {
		args = append(args, "--blobs")
	}
	if o.NoBlobs {
		args = append(args, "--no-blobs")
	}
	if o.Clean {
		args = append(args, "--clean")
		if o.IfExists {
			args = append(args, "--if-exists")
		}
	}
	if o.NoOwner {
		args = append(args, "--no-owner")
	}
	if o.NoPrivileges {
		args = append(args, "--no-privileges")
	}
	if o.NoTablespaces {
		args = append(args, "--no-tablespaces")
	}
	if o.InsertColumns {
		args = append(args, "--column-inserts")
		if o.OnConflictDoNothing {
			args = append(args, "--on-conflict-do-nothing")
		}
	}
	return args
}

// DefaultPostgreSQLDumpOptions returns dump settings that restore into a
// database owned by a different role
func DefaultPostgreSQLDumpOptions() PostgreSQLDumpOptions {
	return PostgreSQLDumpOptions{
		NoOwner:       true,
		NoPrivileges:  true,
		NoTablespaces: true,
	}
}
