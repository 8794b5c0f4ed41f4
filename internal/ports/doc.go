// Package ports defines the interfaces between the pactown application
// core and its adapters.
//
// Adapters (event buses, state stores, artifact parsers, generators,
// metrics backends) implement these contracts; application packages
// depend only on what is declared here.
package ports
