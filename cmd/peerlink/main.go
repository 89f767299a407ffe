// Command peerlink keeps a chat link to one nearby peer.
package main

func main() {
	Execute()
}
