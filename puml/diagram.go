package puml

import (
	"fmt"
	"strings"

	"github.com/VanDung-dev/Neuropil-Engine/engine"
)

// StatusDiagram returns the node status state machine as PlantUML.
func StatusDiagram() string {
	var sb strings.Builder
	sb.WriteString("@startuml\n")
	sb.WriteString("title neuropil node status\n")
	fmt.Fprintf(&sb, "[*] --> %s : New\n", engine.StatusUninitialized)
	for _, t := range engine.Transitions() {
		fmt.Fprintf(&sb, "%s --> %s : %s\n", t.From, t.To, t.Event)
	}
	fmt.Fprintf(&sb, "%s --> [*]\n", engine.StatusShutdown)
	sb.WriteString("@enduml\n")
	return sb.String()
}
