package main

import (
	"github.com/geoflux/coremachine/internal/registry"
)

// registerDefaults is the seam where a deployment wires its geospatial
// job classes and task handlers into the engine. CoreMachine itself
// only defines the Controller/Worker/Janitor machinery that drives
// whatever JobClass/TaskHandler implementations get registered here;
// the handlers that actually reproject rasters, tile vector layers, or
// talk to the catalog service are opaque collaborators outside this
// repo's scope, per the orchestration engine's purpose.
func registerDefaults(jobs *registry.JobTable, tasks *registry.TaskTable) {
	_ = jobs
	_ = tasks
}
