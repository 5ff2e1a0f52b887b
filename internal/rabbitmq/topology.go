package rabbitmq

// DeclareQueues declares durable, non-exclusive queues with the given names
func DeclareQueues(ch Channel, names ...string) error {
	for _, name := range names {
		if name == "" {
			return &TopologyError{Component: "queue", Op: "declare", Err: ErrInvalidTopology}
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "declare", Err: err}
		}
	}
	return nil
}
