// Command decaptcha-crawler crawls from configured seeds and solves the
// CAPTCHA challenges it meets on the way.
package main

import "github.com/JakeFAU/decaptcha-crawler/cmd"

func main() {
	cmd.Execute()
}
