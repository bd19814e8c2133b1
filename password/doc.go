// Package password hashes and verifies account secrets with Argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Composition rules live in the validation package; this package only turns
// secrets into hashes and back into yes/no answers.
package password
