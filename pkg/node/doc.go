/*
Package node assembles one running vat: the bbolt store, the box
keypair whose public half is the vat's identity, the turn engine, the
transport loops, and the control port.

Create builds a fresh basedir (refusing to reuse one); Open loads it;
Run serves it. The control nonce is minted anew at every start and
written to basedir/web.nonce for the CLI to pick up.
*/
package node
