// Package permission keeps the set of known permission names and the
// role-to-permission mapping used to fill the permissions claim.
//
// Both the registry and the role manager are populated at build time and
// frozen before the engine starts serving requests.
package permission
