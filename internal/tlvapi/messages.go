package tlvapi

// MessageType discriminates the ten message categories.
type MessageType uint8

const (
	MsgNode      MessageType = 0x01
	MsgLink      MessageType = 0x02
	MsgExecute   MessageType = 0x03
	MsgRegister  MessageType = 0x04
	MsgConfig    MessageType = 0x05
	MsgFile      MessageType = 0x06
	MsgInterface MessageType = 0x07
	MsgEvent     MessageType = 0x08
	MsgSession   MessageType = 0x09
	MsgException MessageType = 0x0a
)

func (t MessageType) String() string {
	switch t {
	case MsgNode:
		return "node"
	case MsgLink:
		return "link"
	case MsgExecute:
		return "execute"
	case MsgRegister:
		return "register"
	case MsgConfig:
		return "config"
	case MsgFile:
		return "file"
	case MsgInterface:
		return "interface"
	case MsgEvent:
		return "event"
	case MsgSession:
		return "session"
	case MsgException:
		return "exception"
	default:
		return "unknown"
	}
}

// Message flag bits.
const (
	FlagAdd    = 0x01
	FlagDelete = 0x02
	FlagCRI    = 0x04 // critical: the sender wants an explicit response
	FlagLocal  = 0x08
	FlagString = 0x10
	FlagText   = 0x20
	FlagTTY    = 0x40
)

// Node message fields.
const (
	NodeTlvNumber    = 0x01
	NodeTlvType      = 0x02
	NodeTlvName      = 0x03
	NodeTlvIP4       = 0x04
	NodeTlvMAC       = 0x05
	NodeTlvIP6       = 0x06
	NodeTlvModel     = 0x07
	NodeTlvSession   = 0x0a
	NodeTlvX         = 0x20
	NodeTlvY         = 0x21
	NodeTlvCanvas    = 0x22
	NodeTlvServices  = 0x25
	NodeTlvLatitude  = 0x30
	NodeTlvLongitude = 0x31
	NodeTlvAltitude  = 0x32
	NodeTlvIcon      = 0x42
	NodeTlvOpaque    = 0x50
)

// Link message fields.
const (
	LinkTlvNode1         = 0x01
	LinkTlvNode2         = 0x02
	LinkTlvDelay         = 0x03
	LinkTlvBandwidth     = 0x04
	LinkTlvLoss          = 0x05
	LinkTlvDup           = 0x06
	LinkTlvJitter        = 0x07
	LinkTlvBurst         = 0x09
	LinkTlvSession       = 0x0a
	LinkTlvMBurst        = 0x10
	LinkTlvType          = 0x20
	LinkTlvUnidir        = 0x22
	LinkTlvIface1        = 0x30
	LinkTlvIface1IP4     = 0x31
	LinkTlvIface1IP4Mask = 0x32
	LinkTlvIface1MAC     = 0x33
	LinkTlvIface2        = 0x36
	LinkTlvIface2IP4     = 0x37
	LinkTlvIface2IP4Mask = 0x38
	LinkTlvIface2MAC     = 0x39
)

// Execute message fields.
const (
	ExecTlvNode    = 0x01
	ExecTlvNumber  = 0x02
	ExecTlvTime    = 0x03
	ExecTlvCommand = 0x04
	ExecTlvResult  = 0x05
	ExecTlvStatus  = 0x06
	ExecTlvSession = 0x0a
)

// Register message fields.
const (
	RegTlvWireless = 0x01
	RegTlvMobility = 0x02
	RegTlvUtility  = 0x03
	RegTlvGUI      = 0x05
	RegTlvSession  = 0x0a
)

// Config message fields.
const (
	ConfigTlvNode    = 0x01
	ConfigTlvObject  = 0x02
	ConfigTlvType    = 0x03
	ConfigTlvValues  = 0x05
	ConfigTlvSession = 0x0a
)

// Config message request types.
const (
	ConfigTypeRequest = 1
	ConfigTypeUpdate  = 2
	ConfigTypeReset   = 3
)

// File message fields.
const (
	FileTlvNode    = 0x01
	FileTlvName    = 0x02
	FileTlvNumber  = 0x04
	FileTlvType    = 0x05
	FileTlvSession = 0x0a
	FileTlvData    = 0x10
)

// Interface message fields.
const (
	IfaceTlvNode    = 0x01
	IfaceTlvNumber  = 0x02
	IfaceTlvName    = 0x03
	IfaceTlvIP4     = 0x04
	IfaceTlvIP4Mask = 0x05
	IfaceTlvMAC     = 0x06
	IfaceTlvIP6     = 0x07
	IfaceTlvIP6Mask = 0x08
	IfaceTlvSession = 0x0a
)

// Event message fields.
const (
	EventTlvNode    = 0x01
	EventTlvType    = 0x02
	EventTlvName    = 0x03
	EventTlvData    = 0x04
	EventTlvTime    = 0x05
	EventTlvSession = 0x0a
)

// Event types carried in EventTlvType. Values 1 through 6 request or report
// a session state; the rest control scheduled behaviors.
const (
	EventDefinitionState    = 1
	EventConfigurationState = 2
	EventInstantiationState = 3
	EventRuntimeState       = 4
	EventDataCollectState   = 5
	EventShutdownState      = 6
	EventStart              = 7
	EventStop               = 8
	EventPause              = 9
	EventInstantiationDone  = 15
)

// Session message fields.
const (
	SessionTlvNumber    = 0x01
	SessionTlvName      = 0x02
	SessionTlvFile      = 0x03
	SessionTlvNodeCount = 0x04
	SessionTlvDate      = 0x05
	SessionTlvUser      = 0x07
	SessionTlvOpaque    = 0x0a
)

// Exception message fields.
const (
	ExcTlvNode    = 0x01
	ExcTlvSession = 0x02
	ExcTlvLevel   = 0x03
	ExcTlvSource  = 0x04
	ExcTlvDate    = 0x05
	ExcTlvText    = 0x06
)

// Exception levels.
const (
	ExcLevelFatal   = 1
	ExcLevelError   = 2
	ExcLevelWarning = 3
	ExcLevelNotice  = 4
)
