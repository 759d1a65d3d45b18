// Package stub provides interfaces and stub implementations.
//
// Library packages in sendmx use these interfaces so programs reusing them
// don't have to take on a dependency on prometheus. The sendmx command sets
// real implementations at startup.
package stub
