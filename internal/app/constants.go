package app

const (
	Name             = "devbridge"
	ConfigFilename   = "config.json"
	DBFilename       = "journal.db"
	LogFilename      = "devbridge.log"
	WriterQueueSize  = 512
	BusCapacity      = 256
	JournalTailLimit = 50
)
