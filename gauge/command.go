package gauge

// Command is a debug command applied during an update tick.
type Command int

const (
	// CommandNone is ignored.
	CommandNone Command = iota

	// CommandReset re-derives the battery state from the current voltage
	// reading and forces a save.
	CommandReset

	// CommandEraseAndReset erases the persisted namespace, then resets state
	// from the current voltage reading and forces a save.
	CommandEraseAndReset
)

func (c Command) String() string {
	switch c {
	case CommandReset:
		return "reset"
	case CommandEraseAndReset:
		return "erase-and-reset"
	default:
		return "none"
	}
}

// DecodeCommand maps a command byte to a Command. 'r'/'R' resets,
// 'c'/'C' erases and resets, anything else is ignored.
func DecodeCommand(b byte) Command {
	switch b {
	case 'r', 'R':
		return CommandReset
	case 'c', 'C':
		return CommandEraseAndReset
	default:
		return CommandNone
	}
}

// CommandSource supplies pending debug commands. The estimator consumes at
// most one command per update call.
type CommandSource interface {
	// NextCommand returns the next pending command, or CommandNone when no
	// input is waiting.
	NextCommand() Command
}
