package github

// Every page query aliases its connection as "conn" so one decoder serves all resources.
const rateLimitFragment = `rateLimit { limit remaining resetAt cost }`

var pageQueries = map[Resource]string{
	ResourcePullRequests: `query($owner: String!, $name: String!, $first: Int!, $after: String) {
  ` + rateLimitFragment + `
  repository(owner: $owner, name: $name) {
    conn: pullRequests(first: $first, after: $after, orderBy: {field: UPDATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        id number title state createdAt updatedAt
        author { login }
        reviews(first: 20) { nodes { id state submittedAt author { login } } }
      }
    }
  }
}`,
	ResourceIssues: `query($owner: String!, $name: String!, $first: Int!, $after: String) {
  ` + rateLimitFragment + `
  repository(owner: $owner, name: $name) {
    conn: issues(first: $first, after: $after, orderBy: {field: UPDATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes { id number title state createdAt updatedAt author { login } }
    }
  }
}`,
	ResourceStargazers: `query($owner: String!, $name: String!, $first: Int!, $after: String) {
  ` + rateLimitFragment + `
  repository(owner: $owner, name: $name) {
    conn: stargazers(first: $first, after: $after, orderBy: {field: STARRED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      edges { starredAt node { login } }
    }
  }
}`,
	ResourceForks: `query($owner: String!, $name: String!, $first: Int!, $after: String) {
  ` + rateLimitFragment + `
  repository(owner: $owner, name: $name) {
    conn: forks(first: $first, after: $after, orderBy: {field: CREATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes { id nameWithOwner createdAt updatedAt owner { login } }
    }
  }
}`,
}

const signalsQuery = `query($owner: String!, $name: String!) {
  ` + rateLimitFragment + `
  repository(owner: $owner, name: $name) {
    stargazerCount
    createdAt
    pullRequests(states: OPEN) { totalCount }
  }
}`
