package app

import "fmt"

const (
	renewalTitle = "Your subscription renewal is due"
	expiredTitle = "Your subscription has expired"
)

func renewalBody(plan, url, altURL string) string {
	body := fmt.Sprintf("Your %s subscription is due for renewal. Complete the payment here: %s", plan, url)
	if altURL != "" {
		body += fmt.Sprintf("\n\nTo pay with WeChat Pay or Alipay use: %s", altURL)
	}
	return body
}

func expiredBody(plan string) string {
	return fmt.Sprintf("Your %s subscription has ended and its benefits have been removed. You can subscribe again at any time.", plan)
}
