package epscope

// Contains the monitor publisher, which broadcasts JSON-encoded frames
// describing the latest EPSCOPE state to any subscribed client.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the monitor port:
// a subscription tag plus any JSON-encodable state.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// RunMonitor forwards any message from its input channel to the ZMQ PUB
// socket, as a two-frame message: the tag, then the JSON-encoded state.
// It returns when abort closes.
func RunMonitor(messages <-chan ClientUpdate, port int, abort <-chan struct{}) {
	hostname := fmt.Sprintf("tcp://*:%d", port)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("cannot create monitor socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err := pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("cannot bind monitor socket to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("monitor frame %q would not marshal: %v", update.tag, err)
				continue
			}
			pubSocket.Send(update.tag, zmq.SNDMORE)
			pubSocket.SendBytes(message, 0)
		}
	}
}
