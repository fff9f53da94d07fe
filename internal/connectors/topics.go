package connectors

const (
	TopicLinkStatus   = "link.status"
	TopicDeviceOutput = "device.output"
	TopicCommand      = "device.command"
)
