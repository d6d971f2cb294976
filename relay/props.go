package relay

import (
	"strconv"

	"github.com/sluiceio/sluice/catalog"
	"github.com/sluiceio/sluice/cfg"
)

// Well-known engine property keys. Engines are free to define more;
// these are the ones the relay derives from configuration.
const (
	PropName            = "name"
	PropConnector       = "connector"
	PropHostname        = "database.hostname"
	PropPort            = "database.port"
	PropUser            = "database.user"
	PropPassword        = "database.password"
	PropServerID        = "database.server.id"
	PropServerName      = "database.server.name"
	PropDatabaseInclude = "database.include.list"
	PropTableInclude    = "table.include.list"
	PropOffsetFile      = "offset.storage.file.filename"
	PropOffsetFlushMS   = "offset.flush.interval.ms"
	PropHistoryFile     = "database.history.file.filename"
	PropHistoryCompress = "database.history.compress"
	PropSchemaChanges   = "include.schema.changes"
	PropSnapshotMode    = "snapshot.mode"
	PropSnapshotLocking = "snapshot.locking.mode"
	PropSnapshotFetch   = "snapshot.fetch.size"
	PropDecimalHandling = "decimal.handling.mode"
	PropKeySchemas      = "key.converter.schemas.enable"
	PropValueSchemas    = "value.converter.schemas.enable"
	PropTombstones      = "tombstones.on.delete"
	PropPollIntervalMS  = "poll.interval.ms"
)

// BuildProperties derives the engine property set from the connector
// configuration, the stream catalog, and the locations of the two
// engine-owned state files. The relay treats every value as opaque;
// only engines interpret them.
func BuildProperties(conf *cfg.Configuration, cat *catalog.Catalog, offsetPath, historyPath string) Properties {
	props := Properties{
		PropName:            conf.Source.Database,
		PropConnector:       conf.Engine.Type,
		PropHostname:        conf.Source.Host,
		PropPort:            strconv.Itoa(conf.Source.Port),
		PropUser:            conf.Source.Username,
		PropServerID:        strconv.FormatUint(conf.Source.ServerID, 10),
		PropServerName:      conf.Source.ServerName,
		PropDatabaseInclude: conf.Source.Database,
		PropOffsetFile:      offsetPath,
		PropOffsetFlushMS:   strconv.Itoa(conf.State.FlushIntervalMS),
		PropHistoryFile:     historyPath,
		PropHistoryCompress: strconv.FormatBool(conf.State.CompressHistory),
		PropSchemaChanges:   "false",
		PropSnapshotMode:    conf.Engine.SnapshotMode,
		PropSnapshotLocking: "none",
		PropSnapshotFetch:   strconv.Itoa(conf.Engine.SnapshotBatchSize),
		PropDecimalHandling: "string",
		PropKeySchemas:      "false",
		PropValueSchemas:    "false",
		PropTombstones:      "true",
		PropPollIntervalMS:  strconv.Itoa(conf.Engine.PollIntervalMS),
	}

	// Omitted rather than blank so engines can tell an empty password
	// apart from no password at all
	if conf.Source.Password != "" {
		props[PropPassword] = conf.Source.Password
	}

	if cat != nil {
		props[PropTableInclude] = cat.IncludeList()
	}

	// Explicit engine properties win over derived ones
	for k, v := range conf.Engine.Properties {
		props[k] = v
	}

	return props
}
