// Package sim implements the agent-based epidemic model behind the R0
// simulation page.
//
// Agents move in a bounded 2-D world and are Healthy, Infected, Recovered or
// Vaccinated. Each tick a World moves every agent, ages infections and then
// lets every infected agent roll against susceptible neighbours within the
// infection radius. Neighbour lookup goes through a SpatialIndex, a uniform
// grid with cells twice the infection radius wide, so a tick costs O(local
// density) per agent rather than O(n²) overall.
//
// A Controller wraps the World with a lifecycle (initialize, restart, live
// settings), a tick counter and an append-only History. It is the only type
// meant to be shared between goroutines.
package sim
